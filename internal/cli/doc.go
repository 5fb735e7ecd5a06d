// Package cli реализует инструмент командной строки Convect.
//
// CLI — клиентская утилита для взаимодействия с Convect API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// Используется для отправки jobs, ведения scenario runs (включая
// approve/reject на approval gate) и управления viz-серверами.
//
// Client инкапсулирует HTTP-запросы и парсинг ответов
// (DataResponse, ListResponse, ErrorResponse); Output отвечает
// за форматирование: таблицы через tabwriter или JSON (--json).
package cli
