package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — конкурентный или запрещённый переход статуса
	// (в том числе запись в уже терминальный job).
	ErrConflict = errors.New("conflicting status transition")
)
