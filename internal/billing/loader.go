package billing

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// FileLoader reads rule sets from <dir>/<serviceID>.yaml:
//
//	rules:
//	  - id: chat-tokens
//	    when: { path: /chat }
//	    strategy: { type: per_token, price_per_token: "1" }
//	  - id: fallback
//	    default: true
//	    strategy: { type: per_request, price_picousd: "0" }
type FileLoader struct {
	dir string
}

func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

func (l *FileLoader) Load(_ context.Context, serviceID string) ([]Rule, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(l.dir, serviceID+".yaml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules for %q: %w", serviceID, err)
	}

	var out struct {
		Rules []Rule `mapstructure:"rules"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshal rules for %q: %w", serviceID, err)
	}
	for i := range out.Rules {
		if out.Rules[i].ID == "" {
			return nil, &ConfigError{RuleID: fmt.Sprintf("#%d", i), Reason: "missing rule id"}
		}
	}
	return out.Rules, nil
}
