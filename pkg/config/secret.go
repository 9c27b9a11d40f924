package config

const redacted = "******"

// Secret 密钥类配置 (助记词、私钥、带密码的 DSN)
// 打印、序列化都只输出 ******，取值必须显式调用 Reveal
type Secret string

func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) Empty() bool {
	return s == ""
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
