package errcode

// 批量任务完成通知里携带的错误码：
// - 0：全部行生成成功，结果压缩包可下载
// - 40xx：任务已结束，但结果不完整，客户端应提示用户查看错误明细
const (
	OK            = 0
	RowsFailed    = 4010 // 部分行生成失败，详见错误日志
	ResultMissing = 4020 // 行已生成，但结果压缩包未能打包/上传
	AllRowsFailed = 4030 // 没有任何一行生成成功，任务状态为 failed
)
