// Package chaos はジョブへの障害注入機能を提供する。
//
// Injector はワーカープールに投入するジョブを包み、設定した確率で
// 実行前にパニックや遅延を起こす。ワーカーがパニックを隔離し、
// 処理能力を失わずに動き続けることを実環境で確認するために使う。
//
// # 障害タイプ
//
// - Panic: ジョブ実行前にパニックする
// - Delay: ジョブ実行前に一定時間待つ（ctx のキャンセルで打ち切る）
//
// # 使用例
//
//	in, err := chaos.New(chaos.Config{PanicRate: 0.05, DelayRate: 0.1, Delay: 50 * time.Millisecond})
//	if err != nil {
//	    return err
//	}
//	_ = pool.SubmitContext(ctx, in.Wrap(job))
package chaos
