package tokens

import (
	"errors"

	"serotonyl.ru/token-ledger/internal/common"
)

// Outcome: итог операции с балансом.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomeInsufficientFunds  Outcome = "insufficient_funds"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeDomainViolation    Outcome = "domain_violation"
	OutcomeIntegrationFailure Outcome = "integration_failure"
)

// Result возвращают все операции сервиса, меняющие баланс.
// Нехватка токенов и отсутствие баланса считаются обычными исходами, а не ошибками.
type Result struct {
	Outcome     Outcome
	Balance     *Balance     // Баланс после операции (или текущий, если ничего не менялось)
	Transaction *Transaction // Созданная запись журнала, если была
	Duplicate   bool         // Платёж уже был зачислен раньше, повторно ничего не делали
	Err         error        // Причина для domain_violation и integration_failure
}

// OK: операция выполнена.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// AsError переводит исход в ошибку с кодом из common. Для OK возвращает nil.
func (r Result) AsError() error {
	switch r.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeInsufficientFunds:
		return common.ErrInsufficientBalance
	case OutcomeNotFound:
		return common.ErrBalanceNotFound
	}
	if r.Err != nil {
		return r.Err
	}
	return common.ErrIntegration
}

func ok(b *Balance, tx *Transaction) Result {
	return Result{Outcome: OutcomeOK, Balance: b, Transaction: tx}
}

func violation(err error) Result {
	return Result{Outcome: OutcomeDomainViolation, Err: err}
}

// failure оборачивает ошибку хранилища. Доменные ошибки из common сохраняют свой исход.
func failure(err error) Result {
	var domainErr *common.Error
	if errors.As(err, &domainErr) {
		switch {
		case errors.Is(err, common.ErrBalanceNotFound):
			return Result{Outcome: OutcomeNotFound, Err: err}
		case errors.Is(err, common.ErrIntegration):
		default:
			return violation(err)
		}
	}
	return Result{Outcome: OutcomeIntegrationFailure, Err: err}
}
