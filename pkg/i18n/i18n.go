package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable startup and shutdown strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDB            string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	DryRunMode         string
	LiveMode           string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	// Settings
	SettingsSeeded     string
	SettingsSeedFailed string

	// Credentials
	KeyringMissing string
	KeyringFailed  string

	// Collaborators
	ResearchClient     string
	ResearchInitFailed string
	RedisEnabled       string
	RedisUnavailable   string

	// Shutdown
	EngineShutdownFailed string
	JournalFlushFailed   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting trading control service...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDB:            "Using %s database",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete",
	DryRunMode:         "Running in DRY-RUN mode (orders go to a paper venue, initial balance %.2f)",
	LiveMode:           "Running in LIVE mode (testnet: %v)",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",

	// Settings
	SettingsSeeded:     "Seeded settings for %d users from %s",
	SettingsSeedFailed: "Failed to seed settings from %s: %v",

	// Credentials
	KeyringMissing: "MASTER_ENCRYPTION_KEY not set; exchange connections cannot be stored",
	KeyringFailed:  "Failed to build keyring: %v",

	// Collaborators
	ResearchClient:     "Research provider at %s (%s)",
	ResearchInitFailed: "Failed to create research client: %v",
	RedisEnabled:       "Redis notifications on %s (channel %s)",
	RedisUnavailable:   "Redis at %s unreachable, notifications will be retried per message: %v",

	// Shutdown
	EngineShutdownFailed: "Engine shutdown incomplete: %v",
	JournalFlushFailed:   "Journal flush failed: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "正在启动交易控制服务...",
	ConfigLoaded:       "配置已加载 (端口: %s)",
	UsingDB:            "使用 %s 数据库",
	ServerListening:    "服务器监听于 :%s",
	ShuttingDown:       "正在优雅关闭...",
	ShutdownComplete:   "关闭完成",
	DryRunMode:         "以模拟模式运行 (订单发送到模拟交易所, 初始余额 %.2f)",
	LiveMode:           "以实盘模式运行 (测试网: %v)",
	ConfigLoadFailed:   "加载配置失败: %v",
	DBInitFailed:       "初始化数据库失败: %v",
	DBMigrationsFailed: "数据库迁移失败: %v",
	APIServerError:     "API 服务器错误: %v",

	// Settings
	SettingsSeeded:     "已为 %d 个用户写入初始设置 (%s)",
	SettingsSeedFailed: "从 %s 写入初始设置失败: %v",

	// Credentials
	KeyringMissing: "未设置 MASTER_ENCRYPTION_KEY; 无法保存交易所连接",
	KeyringFailed:  "创建密钥环失败: %v",

	// Collaborators
	ResearchClient:     "研究服务地址 %s (%s)",
	ResearchInitFailed: "创建研究客户端失败: %v",
	RedisEnabled:       "Redis 通知已启用 %s (频道 %s)",
	RedisUnavailable:   "无法连接 Redis %s, 将按消息重试: %v",

	// Shutdown
	EngineShutdownFailed: "引擎未完全关闭: %v",
	JournalFlushFailed:   "日志刷新失败: %v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
