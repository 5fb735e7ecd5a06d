package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Convect/internal/domain"
)

// vizLockSeed — seed для advisory lock по case_path, чтобы не
// пересекаться с другими advisory locks в той же БД.
const vizLockSeed int64 = 771201

// portLockClass — classid для advisory lock по номеру порта
// (двухаргументная форма pg_try_advisory_lock).
const portLockClass int32 = 771202

// VizRepo — реестр viz-серверов, разделяемый всеми процессами хоста.
//
// Помимо хранения записей даёт межпроцессную сериализацию ensure()
// по case_path через pg advisory lock (session-level, на выделенном
// соединении).
type VizRepo struct {
	pool *pgxpool.Pool
}

// NewVizRepo создаёт новый VizRepo.
func NewVizRepo(pool *pgxpool.Pool) *VizRepo {
	return &VizRepo{pool: pool}
}

// Get возвращает запись по case_path.
func (r *VizRepo) Get(ctx context.Context, casePath string) (*domain.VizServer, error) {
	query := selectVizQuery + ` WHERE case_path = $1`
	return scanViz(r.pool.QueryRow(ctx, query, casePath))
}

// Put создаёт или замещает запись (ключ — case_path).
func (r *VizRepo) Put(ctx context.Context, srv *domain.VizServer) error {
	query := `
		INSERT INTO viz_servers (case_path, port, pid, status, error_message,
		                         started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (case_path) DO UPDATE
		SET port = $2, pid = $3, status = $4, error_message = $5,
		    started_at = $6, last_activity_at = $7
	`
	_, err := r.pool.Exec(ctx, query,
		srv.CasePath,
		srv.Port,
		srv.PID,
		srv.Status,
		nullString(srv.ErrorMessage),
		srv.StartedAt,
		srv.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("upsert viz server: %w", err)
	}
	return nil
}

// Delete удаляет запись.
func (r *VizRepo) Delete(ctx context.Context, casePath string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM viz_servers WHERE case_path = $1`, casePath)
	if err != nil {
		return fmt.Errorf("delete viz server: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List возвращает все записи реестра.
func (r *VizRepo) List(ctx context.Context) ([]domain.VizServer, error) {
	rows, err := r.pool.Query(ctx, selectVizQuery+` ORDER BY case_path`)
	if err != nil {
		return nil, fmt.Errorf("list viz servers: %w", err)
	}
	defer rows.Close()

	var servers []domain.VizServer
	for rows.Next() {
		srv, err := scanViz(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// Lock берёт межпроцессный advisory lock по case_path.
// Возвращённая функция освобождает lock и соединение.
func (r *VizRepo) Lock(ctx context.Context, casePath string) (func(), error) {
	// Session-level lock живёт на соединении, поэтому держим его
	// выделенным до Unlock.
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	_, err = conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, $2))`, casePath, vizLockSeed)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	return func() {
		_, _ = conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock(hashtextextended($1, $2))`, casePath, vizLockSeed)
		conn.Release()
	}, nil
}

// LockPort пытается взять межпроцессный advisory lock на порт.
// ok=false — порт прямо сейчас резервирует другой процесс хоста.
// Лок держится на выделенном соединении до вызова unlock.
func (r *VizRepo) LockPort(ctx context.Context, port int) (func(), bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, portLockClass, int32(port)).Scan(&ok)
	if err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock port: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return func() {
		_, _ = conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock($1, $2)`, portLockClass, int32(port))
		conn.Release()
	}, true, nil
}

// PortInUse проверяет, занят ли порт работающим сервером реестра.
func (r *VizRepo) PortInUse(ctx context.Context, port int) (bool, error) {
	var inUse bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM viz_servers WHERE port = $1 AND status = 'RUNNING')`,
		port,
	).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check port: %w", err)
	}
	return inUse, nil
}

// --- Helpers ---

const selectVizQuery = `
	SELECT case_path, port, pid, status, error_message, started_at, last_activity_at
	FROM viz_servers
`

// scanViz сканирует одну строку в VizServer.
func scanViz(row pgx.Row) (*domain.VizServer, error) {
	var srv domain.VizServer
	var errorMessage *string

	err := row.Scan(
		&srv.CasePath,
		&srv.Port,
		&srv.PID,
		&srv.Status,
		&errorMessage,
		&srv.StartedAt,
		&srv.LastActivityAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan viz server: %w", err)
	}

	if errorMessage != nil {
		srv.ErrorMessage = *errorMessage
	}
	return &srv, nil
}
