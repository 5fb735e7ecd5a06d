// Package vizman управляет жизненным циклом серверов визуализации.
//
// На каждую case-директорию — максимум один сервер; порт выдаётся
// из фиксированного пула. Ensure идемпотентен: живой сервер
// переиспользуется, мёртвая запись вычищается и сервер поднимается
// заново. Живость всегда перепроверяется по ОС (сигнал 0 процессу
// и TCP-проверка порта), записи реестра сами по себе не считаются
// истиной.
//
// Конкурентные Ensure по одному case сериализуются двумя уровнями:
// in-process мьютексом на case и advisory-локом Postgres — второй
// защищает от гонки между разными процессами (API, executor, reaper).
// Порт резервируется с оглядкой на общий реестр под advisory-локом
// порта: пулы отдельных демонов не выдадут один порт дважды.
package vizman
