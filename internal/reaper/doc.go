// Package reaper содержит фоновую уборку системы.
//
// Reaper периодически:
//   - останавливает viz-серверы, простаивающие дольше порога,
//     и вычищает записи о мёртвых процессах;
//   - переводит осиротевшие IN_PROGRESS jobs (executor упал,
//     не обновив статус) в ERROR.
//
// Запускается по cron-расписанию. В кластере работает только
// лидер — выборы через pg_try_advisory_lock в cmd/convect-reaper.
package reaper
