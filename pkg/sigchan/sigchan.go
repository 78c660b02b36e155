package sigchan

// Chan 合并型信号 channel：只通知"有事发生"，不传递数据
//
// 连续多次 Emit 在消费者处理前会合并成一次（reader 的"立即刷新"请求就是这样）。
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel；bufferSize 为 1 时多次 Emit 合并为一次
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞，已满时丢弃）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// Pending 是否有尚未消费的信号
func (c *Chan) Pending() bool {
	return len(c.c) > 0
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
