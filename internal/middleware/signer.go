package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Заголовки подписи задач, доставляемых воркеру по HTTP.
const (
	TimestampHeader = "X-Task-Timestamp"
	SignatureHeader = "X-Task-Signature"
)

const (
	defaultMaxSkew = 5 * time.Minute
	maxTaskBody    = 1 << 20
)

// TaskSigner подписывает и проверяет HTTP-доставку задач генерации
// с помощью HMAC-SHA256 над меткой времени и телом запроса.
type TaskSigner struct {
	secretKey []byte
	maxSkew   time.Duration
	now       func() time.Time
}

// NewTaskSigner создаёт TaskSigner с указанным секретным ключом.
func NewTaskSigner(secret string) *TaskSigner {
	return &TaskSigner{
		secretKey: []byte(secret),
		maxSkew:   defaultMaxSkew,
		now:       time.Now,
	}
}

// SignRequest устанавливает заголовки подписи для запроса с телом body.
func (s *TaskSigner) SignRequest(r *http.Request, body []byte) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	r.Header.Set(TimestampHeader, ts)
	r.Header.Set(SignatureHeader, s.sign(ts, body))
}

func (s *TaskSigner) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify проверяет подпись и допустимое расхождение времени.
func (s *TaskSigner) Verify(ts, signature string, body []byte) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := s.now().Sub(time.Unix(sec, 0))
	if skew < -s.maxSkew || skew > s.maxSkew {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(s.sign(ts, body)))
}

// Middleware пропускает только запросы с корректной подписью.
// Тело запроса восстанавливается для следующего обработчика.
func (s *TaskSigner) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxTaskBody))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if !s.Verify(r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader), body) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
