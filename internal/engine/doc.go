// Package engine выполняет пайплайны сценариев.
//
// Engine берёт PENDING runs (событие runs.pending или polling по БД)
// и ведёт каждый через фиксированный пайплайн шагов, строго по одному
// шагу за раз. Шаги выполняются агентами из Registry; ошибки шагов
// проходят через RecoveryHandler (retry / restart / abort), при этом
// число retry на шаг ограничено сверху.
//
// На шаге USER_APPROVAL run ставится на паузу до решения человека:
// approve продолжает пайплайн, reject возвращает run на настраиваемый
// шаг с feedback (без инкремента retry), cancel завершает run, не
// трогая его jobs.
package engine
