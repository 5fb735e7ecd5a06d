// Package executor выполняет внешние процессы по jobs из леджера.
//
// Executor потребляет события jobs.submitted из RabbitMQ (с polling
// fallback по БД), переводит job по CAS-переходу SUBMITTED → IN_PROGRESS,
// запускает процесс в отдельной process group с wall-clock таймаутом
// и записывает терминальный результат с категорией ошибки.
//
// Захват stdout/stderr ограничен сверху (10 MB на поток), чтобы
// болтливый solver не раздувал память и леджер.
package executor
