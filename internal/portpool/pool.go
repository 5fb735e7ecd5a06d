package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// Ошибки пула портов.
var (
	// ErrExhausted — свободных портов не осталось.
	ErrExhausted = errors.New("port pool exhausted")

	// ErrNotOwned — порт не принадлежит пулу.
	ErrNotOwned = errors.New("port not owned by pool")

	// ErrNotAcquired — порт не был выдан (двойной release).
	ErrNotAcquired = errors.New("port not acquired")
)

// Pool — фиксированный пул резервируемых портов [min, max].
//
// Acquire и Release сериализованы одним мьютексом: два конкурентных
// Acquire никогда не получат один порт, а освобождённый порт не будет
// выдан раньше, чем завершится Release освобождающего.
type Pool struct {
	mu       sync.Mutex
	min      int
	max      int
	acquired map[int]bool
}

// New создаёт пул портов [min, max] включительно.
func New(min, max int) (*Pool, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	return &Pool{
		min:      min,
		max:      max,
		acquired: make(map[int]bool),
	}, nil
}

// Acquire резервирует наименьший свободный порт.
// Возвращает ErrExhausted, если свободных портов нет.
func (p *Pool) Acquire() (int, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding резервирует наименьший свободный порт, пропуская
// порты из busy. Так вызывающий исключает порты, занятые за пределами
// этого пула (другими процессами того же хоста).
func (p *Pool) AcquireExcluding(busy map[int]bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.min; port <= p.max; port++ {
		if !p.acquired[port] && !busy[port] {
			p.acquired[port] = true
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release возвращает порт в пул.
func (p *Pool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.min || port > p.max {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrNotOwned, port, p.min, p.max)
	}
	if !p.acquired[port] {
		return fmt.Errorf("%w: %d", ErrNotAcquired, port)
	}
	delete(p.acquired, port)
	return nil
}

// Free возвращает количество свободных портов.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max - p.min + 1 - len(p.acquired)
}

// Size возвращает размер пула.
func (p *Pool) Size() int {
	return p.max - p.min + 1
}
