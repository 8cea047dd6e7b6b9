package backup

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"sitebackup/internal/core/config"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionMagic     = "SBENC1"
	encryptionChunkSize = 64 * 1024
	encryptionKeySize   = 32

	// EncryptedExt расширение зашифрованного артефакта
	EncryptedExt = ".enc"
)

// ErrNoPassphrase шифрование включено, но пароль не задан
var ErrNoPassphrase = errors.New("пароль шифрования не задан")

// Encryptor шифрует артефакты AES-256-GCM блоками по 64 КБ.
//
// Формат файла: магическая строка, длина соли, соль, базовый nonce, затем блоки
// вида [флаг последнего блока][длина шифротекста][шифротекст]. Флаг входит в
// дополнительные данные GCM, поэтому обрезанный файл не расшифруется.
type Encryptor struct {
	passphrase string
	iterations int
	saltSize   int
}

// NewEncryptor создает шифратор по конфигурации
func NewEncryptor(cfg config.EncryptionConfig) *Encryptor {
	iterations := cfg.KeyDerivation.Iterations
	if iterations <= 0 {
		iterations = 100000
	}
	saltSize := cfg.KeyDerivation.SaltSize
	if saltSize <= 0 {
		saltSize = 32
	}
	return &Encryptor{
		passphrase: cfg.Passphrase,
		iterations: iterations,
		saltSize:   saltSize,
	}
}

// Enabled сообщает, задан ли пароль
func (e *Encryptor) Enabled() bool {
	return e != nil && e.passphrase != ""
}

// Metadata сведения о шифровании для метаданных задачи
func (e *Encryptor) Metadata() map[string]any {
	return map[string]any{
		"algorithm":      "AES-256-GCM",
		"key_derivation": "PBKDF2-SHA256",
		"iterations":     e.iterations,
	}
}

func (e *Encryptor) newGCM(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(e.passphrase), salt, e.iterations, encryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания GCM mode: %w", err)
	}
	return gcm, nil
}

// EncryptFile шифрует inputPath в outputPath
func (e *Encryptor) EncryptFile(ctx context.Context, inputPath, outputPath string) (err error) {
	if !e.Enabled() {
		return ErrNoPassphrase
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("ошибка открытия входного файла: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("ошибка создания выходного файла: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("ошибка закрытия выходного файла: %w", cerr)
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	salt := make([]byte, e.saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("ошибка генерации соли: %w", err)
	}

	gcm, err := e.newGCM(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("ошибка генерации nonce: %w", err)
	}

	w := bufio.NewWriter(out)
	header := append([]byte(encryptionMagic), byte(len(salt)))
	header = append(header, salt...)
	header = append(header, nonce...)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ошибка записи заголовка: %w", err)
	}

	buffer := make([]byte, encryptionChunkSize)
	chunkHeader := make([]byte, 5)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(in, buffer)
		last := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !last {
			return fmt.Errorf("ошибка чтения входного файла: %w", readErr)
		}

		flag := byte(0)
		if last {
			flag = 1
		}
		ciphertext := gcm.Seal(nil, nonce, buffer[:n], []byte{flag})

		chunkHeader[0] = flag
		binary.BigEndian.PutUint32(chunkHeader[1:], uint32(len(ciphertext)))
		if _, err := w.Write(chunkHeader); err != nil {
			return fmt.Errorf("ошибка записи зашифрованного блока: %w", err)
		}
		if _, err := w.Write(ciphertext); err != nil {
			return fmt.Errorf("ошибка записи зашифрованного блока: %w", err)
		}

		if last {
			break
		}
		incrementNonce(nonce)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("ошибка записи выходного файла: %w", err)
	}
	return nil
}

// DecryptFile расшифровывает inputPath в outputPath
func (e *Encryptor) DecryptFile(ctx context.Context, inputPath, outputPath string) (err error) {
	if !e.Enabled() {
		return ErrNoPassphrase
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("ошибка открытия зашифрованного файла: %w", err)
	}
	defer in.Close()
	r := bufio.NewReader(in)

	magic := make([]byte, len(encryptionMagic)+1)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic[:len(encryptionMagic)]) != encryptionMagic {
		return fmt.Errorf("файл %s не является зашифрованным артефактом", inputPath)
	}

	salt := make([]byte, int(magic[len(encryptionMagic)]))
	if _, err := io.ReadFull(r, salt); err != nil {
		return fmt.Errorf("ошибка чтения соли: %w", err)
	}

	gcm, err := e.newGCM(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return fmt.Errorf("ошибка чтения nonce: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("ошибка создания выходного файла: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("ошибка закрытия выходного файла: %w", cerr)
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	maxChunk := encryptionChunkSize + gcm.Overhead()
	chunkHeader := make([]byte, 5)
	ciphertext := make([]byte, maxChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			return fmt.Errorf("зашифрованный файл обрезан: %w", err)
		}
		flag := chunkHeader[0]
		size := int(binary.BigEndian.Uint32(chunkHeader[1:]))
		if flag > 1 || size > maxChunk {
			return fmt.Errorf("поврежденный заголовок блока")
		}

		if _, err := io.ReadFull(r, ciphertext[:size]); err != nil {
			return fmt.Errorf("ошибка чтения зашифрованного блока: %w", err)
		}

		plaintext, err := gcm.Open(nil, nonce, ciphertext[:size], []byte{flag})
		if err != nil {
			return fmt.Errorf("ошибка расшифровки блока: %w", err)
		}
		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("ошибка записи расшифрованного блока: %w", err)
		}

		if flag == 1 {
			break
		}
		incrementNonce(nonce)
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return fmt.Errorf("лишние данные после последнего блока")
	}
	return nil
}

// incrementNonce увеличивает nonce на 1
func incrementNonce(nonce []byte) {
	for i := len(nonce) - 1; i >= 0; i-- {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}
