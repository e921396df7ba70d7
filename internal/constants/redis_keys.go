package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// UploadModulePrefix 上传模块
	UploadModulePrefix = "upload"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityLastSuccess 最近一次成功上传
	EntityLastSuccess = "last_success"

	// KeyUploadLock 单用户上传锁 (STRING)，同一时间最多一个进行中的上传事务
	// 格式: app:upload:lock:{userID}
	KeyUploadLock = AppPrefix + ":" + UploadModulePrefix + ":" + EntityLock + ":%s"

	// KeyLastSuccessfulUpload 最近一次成功上传的标记 (STRING, JSON)
	// 格式: app:upload:last_success:{userID}
	KeyLastSuccessfulUpload = AppPrefix + ":" + UploadModulePrefix + ":" + EntityLastSuccess + ":%s"
)
