// Package vault 将凭证加密后写入 SQLite。
//
// 每个键独立保存盐值、随机数与密文；密钥由口令经 Argon2id 派生，
// 加密使用 XChaCha20-Poly1305。每次写入都生成新的盐值与随机数。
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"ladder-trader/internal/store"
)

const (
	// CredentialsKey 为凭证记录的存储键。
	CredentialsKey = "ladder_secrets_v1"
	// SessionKey 为会话槽位的存储键。
	SessionKey = "ladder_session_v1"

	saltSize = 16
)

var (
	// ErrNotFound 表示键不存在。
	ErrNotFound = errors.New("vault: not found")
	// ErrDecrypt 表示口令错误或密文被篡改。
	ErrDecrypt = errors.New("vault: decrypt failed")
	// ErrNoPassphrase 表示未配置口令。
	ErrNoPassphrase = errors.New("vault: passphrase is empty")
)

// Credentials 为完整的凭证记录，读写总是整体进行。
type Credentials struct {
	TradingKey    string `json:"trading_key"`
	MarketKey     string `json:"market_key"`
	HistoricalKey string `json:"historical_key"`
	ClientCode    string `json:"client_code"`
	MPIN          string `json:"mpin"`
	TOTPSecret    string `json:"totp_secret"`
}

// KDFParams 为 Argon2id 参数。
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDF 为交互式场景推荐的参数。
var DefaultKDF = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// Vault 为加密键值存储。
type Vault struct {
	db         *sql.DB
	passphrase []byte
	kdf        KDFParams
	now        func() time.Time
	logger     *zap.Logger
}

// Option 调整 Vault 行为。
type Option func(*Vault)

// WithKDF 覆盖 Argon2id 参数。
func WithKDF(p KDFParams) Option {
	return func(v *Vault) { v.kdf = p }
}

// WithLogger 设置日志。
func WithLogger(logger *zap.Logger) Option {
	return func(v *Vault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New 初始化 Vault 并创建表结构。
func New(st *store.Store, passphrase string, opts ...Option) (*Vault, error) {
	if st == nil {
		return nil, fmt.Errorf("vault: store 不能为空")
	}
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}

	v := &Vault{
		db:         st.DB(),
		passphrase: []byte(passphrase),
		kdf:        DefaultKDF,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.initSchema(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS secure_kv (
	key TEXT PRIMARY KEY,
	salt BLOB NOT NULL,
	nonce BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := v.db.Exec(stmt); err != nil {
		return fmt.Errorf("vault: 初始化表失败: %w", err)
	}
	return nil
}

// Save 整体写入凭证记录。
func (v *Vault) Save(ctx context.Context, creds Credentials) error {
	return v.Put(ctx, CredentialsKey, creds)
}

// Load 读取凭证记录。
func (v *Vault) Load(ctx context.Context) (Credentials, error) {
	var creds Credentials
	if err := v.Get(ctx, CredentialsKey, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Put 将 value 序列化为 JSON 后加密写入 key。
func (v *Vault) Put(ctx context.Context, key string, value any) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("vault: 序列化失败: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("vault: 生成盐值失败: %w", err)
	}
	aead, err := v.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: 生成随机数失败: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(key))

	_, err = v.db.ExecContext(ctx, `
INSERT INTO secure_kv (key, salt, nonce, ciphertext, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	salt = excluded.salt,
	nonce = excluded.nonce,
	ciphertext = excluded.ciphertext,
	updated_at = excluded.updated_at`,
		key, salt, nonce, ciphertext, v.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("vault: 写入 %q 失败: %w", key, err)
	}
	v.logger.Debug("已写入加密记录", zap.String("key", key))
	return nil
}

// Get 读取并解密 key，结果反序列化到 out。
func (v *Vault) Get(ctx context.Context, key string, out any) error {
	var salt, nonce, ciphertext []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT salt, nonce, ciphertext FROM secure_kv WHERE key = ?`, key,
	).Scan(&salt, &nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("vault: 读取 %q 失败: %w", key, err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return err
	}
	if len(nonce) != aead.NonceSize() {
		return ErrDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return ErrDecrypt
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("vault: 反序列化 %q 失败: %w", key, err)
	}
	return nil
}

// Delete 删除 key，不存在时不报错。
func (v *Vault) Delete(ctx context.Context, key string) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM secure_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("vault: 删除 %q 失败: %w", key, err)
	}
	return nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.passphrase, salt, v.kdf.Time, v.kdf.Memory, v.kdf.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: 初始化加密器失败: %w", err)
	}
	return aead, nil
}
