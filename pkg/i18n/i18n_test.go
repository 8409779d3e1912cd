package i18n

import (
	"reflect"
	"testing"
)

func TestGet(t *testing.T) {
	defer SetLanguage(LangEN)

	tests := []struct {
		lang Language
		key  string
		want string
	}{
		{LangEN, "ShuttingDown", "Shutting down gracefully..."},
		{LangZH, "ShuttingDown", "正在优雅关闭..."},
		{LangEN, "NoSuchKey", "NoSuchKey"},
		{"fr", "ShutdownComplete", "Shutdown complete"},
	}
	for _, tt := range tests {
		t.Run(string(tt.lang)+"/"+tt.key, func(t *testing.T) {
			SetLanguage(tt.lang)
			if got := Get(tt.key); got != tt.want {
				t.Errorf("Get(%q) = %q, expected %q", tt.key, got, tt.want)
			}
		})
	}
	if GetLanguage() != LangEN {
		t.Errorf("unknown language should fall back to en, got %q", GetLanguage())
	}
}

func TestEveryMessageTranslated(t *testing.T) {
	en, zh := reflect.ValueOf(messagesEN), reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		if en.Field(i).String() == "" {
			t.Errorf("%s missing in en", name)
		}
		if zh.Field(i).String() == "" {
			t.Errorf("%s missing in zh", name)
		}
	}
}
