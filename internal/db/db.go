// Package db описывает общий контракт атомарной единицы работы.
// Реализации: postgres.TxManager (pgx) и memory.Store (для тестов и локального запуска).
package db

import "context"

// Transactor выполняет fn как одну атомарную единицу: либо все изменения
// внутри fn сохраняются, либо ни одного.
//
// Вложенный вызов WithinTx с контекстом, который уже несёт транзакцию,
// присоединяется к внешней единице, а не открывает новую.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
