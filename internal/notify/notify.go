// Package notify 风控事件（止损、止盈、日内亏损暂停）的文本推送。
package notify

import "context"

// Notifier 只要求发送文本；未配置时使用 Nop。
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

type Nop struct{}

func (Nop) SendText(context.Context, string) error { return nil }
