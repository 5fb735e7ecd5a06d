// Package agents содержит реализации шагов пайплайна.
//
// Тяжёлые шаги (генерация сетки, запуск солвера) отправляют job
// в леджер и ждут его терминального статуса; визуализация поднимает
// viz-сервер для case. Шаги, выполняемые внешними участниками
// (интерпретация запроса, подбор граничных условий и солвера),
// представлены passthrough-агентами: их результат приходит в
// run.Params через API.
package agents
