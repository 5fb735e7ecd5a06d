package domain

import (
	"fmt"
	"time"
)

// VizServer — запись об одном процессе визуализационного сервера.
//
// Ключ — CasePath: на один case существует не более одного живого процесса.
// Запись хранится в реестре, но живость процесса всегда перепроверяется
// по таблице процессов ОС, а не берётся из статуса на веру.
type VizServer struct {
	// CasePath — директория case, которую обслуживает сервер.
	CasePath string `json:"case_path"`

	// Port — порт из пула, на котором сервер принимает соединения.
	Port int `json:"port"`

	// PID — идентификатор процесса сервера.
	PID int `json:"pid"`

	// Status — последний известный статус.
	Status VizStatus `json:"status"`

	// ErrorMessage — причина, если сервер не запустился
	// или уведомление ensure() после job завершилось ошибкой.
	ErrorMessage string `json:"error_message,omitempty"`

	// StartedAt — время запуска процесса.
	StartedAt time.Time `json:"started_at"`

	// LastActivityAt — время последнего обращения клиента.
	// По нему reaper определяет простаивающие серверы.
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ConnectionString возвращает строку подключения для клиента рендеринга.
func (v *VizServer) ConnectionString() string {
	return fmt.Sprintf("cs://localhost:%d", v.Port)
}

// IdleFor возвращает, сколько времени сервер простаивает.
func (v *VizServer) IdleFor(now time.Time) time.Duration {
	return now.Sub(v.LastActivityAt)
}
