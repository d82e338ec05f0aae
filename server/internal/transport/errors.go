package transport

import "errors"

// 错误分类。调用方用 errors.Is 判断，具体原因通过 %w 包装携带。
var (
	// ErrConnection 通道在超时内未能建立，或运行中意外断开
	ErrConnection = errors.New("connection error")
	// ErrConnectionRejected 后端以 1008 关闭（同一会话已在别处打开）
	ErrConnectionRejected = errors.New("connection rejected: session already active")
	// ErrPermission 用户拒绝了麦克风访问
	ErrPermission = errors.New("microphone permission denied")
	// ErrDeviceNotFound 没有可用的输入/输出设备
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrInvalidState 未连接或已在录音
	ErrInvalidState = errors.New("invalid state")
	// ErrProtocol 下行消息无法解析；只记录日志，不中断会话
	ErrProtocol = errors.New("protocol error")
	// ErrTransientDecode 音频帧解码失败；跳过该帧
	ErrTransientDecode = errors.New("transient decode error")
)
