package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load 读取 {service}.yaml 并解析到 out
//
// 约定：配置文件放在 ./etc、./config 或当前目录，文件名 {service}.yaml。
// 环境变量覆盖：{SERVICE}_{KEY}，点号换成下划线，例如
//
//	DEPOSIT_CUSTODY_MASTER_MNEMONIC 覆盖 custody.master_mnemonic
//
// defaults 里的 key 即使配置文件没有，也能被环境变量覆盖 (viper 只认识已知 key)。
func Load(service string, out interface{}, defaults map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./etc")
	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 纯环境变量部署时允许没有配置文件
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Printf("[%s] no config file found, using defaults and env", service)
	} else {
		log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadFile 从指定路径读取配置 (命令行 -f 参数)
func LoadFile(service string, path string, out interface{}, defaults map[string]interface{}) (*viper.Viper, error) {
	if path == "" {
		return Load(service, out, defaults)
	}
	v := viper.New()
	v.SetConfigFile(path)
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return v, nil
}

// Watch 监听配置文件变更，变更时回调 onChange(v)
// 只把可以热更新的字段交给回调处理，其余字段需要重启生效
func Watch(v *viper.Viper, service string, onChange func(v *viper.Viper)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if onChange != nil {
			onChange(v)
		}
	})
	v.WatchConfig()
}
