package protocol

import "strings"

// OCPP协议版本常量
const (
	// 标准OCPP版本，同时也是WebSocket子协议名
	OCPP_VERSION_1_6   = "ocpp1.6"
	OCPP_VERSION_2_0   = "ocpp2.0"
	OCPP_VERSION_2_0_1 = "ocpp2.0.1"

	// 默认版本
	DEFAULT_VERSION = OCPP_VERSION_1_6
)

// 网关实现的协议版本，仅OCPP-J 1.6
var supportedVersions = []string{
	OCPP_VERSION_1_6,
}

// 版本映射表 - 处理各种格式的版本号
var versionMapping = map[string]string{
	"1.6":     OCPP_VERSION_1_6,
	"ocpp1.6": OCPP_VERSION_1_6,

	"2.0":     OCPP_VERSION_2_0,
	"ocpp2.0": OCPP_VERSION_2_0,

	"2.0.1":     OCPP_VERSION_2_0_1,
	"ocpp2.0.1": OCPP_VERSION_2_0_1,
}

// NormalizeVersion 规范化协议版本，未知版本返回空串
func NormalizeVersion(version string) string {
	return versionMapping[strings.ToLower(strings.TrimSpace(version))]
}

// IsVersionSupported 检查版本是否支持
func IsVersionSupported(version string) bool {
	normalized := NormalizeVersion(version)
	if normalized == "" {
		return false
	}
	for _, supported := range supportedVersions {
		if normalized == supported {
			return true
		}
	}
	return false
}

// GetSupportedVersions 获取支持的版本列表，用作升级时可协商的子协议
func GetSupportedVersions() []string {
	// 返回副本，避免外部修改
	result := make([]string, len(supportedVersions))
	copy(result, supportedVersions)
	return result
}
