package wsclient

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Policy - правило переподключения: задержка base * 2^n, не больше MaxAttempts попыток
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{BaseDelay: time.Second, MaxAttempts: 5}
}

// Delay возвращает паузу перед попыткой attempt (с единицы)
// и false, когда попытки исчерпаны
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt)), true
}

// ShouldReconnect: после close-кадра сервера не переподключаемся,
// после обрыва сети - да
func ShouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseAbnormalClosure
	}
	return !errors.Is(err, ErrUnauthorized)
}
