/*
包 budget 提供请求数 / Token 数双预算跟踪器，用于在调用受限流的
LLM 服务前预测需要等待的时长。

# 概述

上游 Provider 按固定窗口（默认 1 分钟）分别限制请求数（RPM）与
Token 数（TPM）。Tracker 为两种预算各自维护窗口起点、已用量与
在途预留量，Reserve 在不超过（上限 − 安全余量）的前提下登记预留，
否则返回需要等待的时长；Tracker 自身从不阻塞，等待由调用方完成。

# 核心类型

  - Tracker：进程内唯一的预算状态，Reserve / Commit / Release 在同一把互斥锁内原子完成。
  - Reservation：一次成功预留的凭据，只能被 Commit 或 Release 结算一次。
  - Stats / Status：累计统计与当前窗口快照。
  - AlertHandler：利用率越过阈值时触发，每个窗口最多一次。

# 使用方式

	tr := budget.NewTracker(cfg, nil, logger)
	for {
	    res, wait, err := tr.Reserve(est)
	    if err != nil { return err }
	    if res != nil { break }
	    sleep(ctx, wait)
	}
	// 调用成功后
	tr.Commit(res, usage.TotalTokens)
*/
package budget
