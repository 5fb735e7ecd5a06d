// Package api — HTTP API оркестратора.
//
// REST API поверх стандартного ServeMux (Go 1.22 patterns):
// jobs (леджер внешних команд с approve/reject), runs (пайплайны
// сценариев с approval gate), viz (серверы визуализации),
// commands (синхронное выполнение) и cases (загрузка файлов).
package api
