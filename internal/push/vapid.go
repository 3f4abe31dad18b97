package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatrelay/internal/logger"
)

// VAPIDKeys: пара ключей Web Push в base64url, как их выдаёт webpush.GenerateVAPIDKeys.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// validate: публичный ключ: несжатая точка P-256 (65 байт), приватный: 32 байта.
func (k *VAPIDKeys) validate() error {
	pub, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
	if err != nil || len(pub) != 65 {
		return errors.New("vapid: malformed public key")
	}
	priv, err := base64.RawURLEncoding.DecodeString(k.PrivateKey)
	if err != nil || len(priv) != 32 {
		return errors.New("vapid: malformed private key")
	}
	return nil
}

// EnsureVAPIDKeys читает ключи из path, а если файла нет или он испорчен: генерирует новую пару и сохраняет её.
// Ошибка сохранения не фатальна: ключи используются до рестарта, но подписки клиентов после него станут недействительны.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		return nil, errors.New("vapid: keys file path is empty")
	}
	keys, err := readVAPIDKeys(path)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("push: VAPID keys in %s unusable, regenerating: %v", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("vapid generate: %w", err)
	}
	keys = &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeVAPIDKeys(path, keys); err != nil {
		logger.Errorf("push: VAPID keys generated but not saved to %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID keys generated and saved to %s", path)
	return keys, nil
}

func readVAPIDKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("vapid decode: %w", err)
	}
	if err := keys.validate(); err != nil {
		return nil, err
	}
	return &keys, nil
}

// writeVAPIDKeys пишет во временный файл и переименовывает: файл либо старый, либо целиком новый.
func writeVAPIDKeys(path string, keys *VAPIDKeys) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vapid-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
