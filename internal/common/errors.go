// Package common (errors.go) определяет ошибки, которые используются во всех модулях.
// У каждой ошибки есть стабильный машинный код (для вызывающего слоя)
// и человекочитаемое сообщение (для ответа пользователю).
package common

import "errors"

// Code: стабильный код категории ошибки.
// Коды не меняются между версиями: на них завязаны обработчики и метрики.
type Code string

// Error: доменная ошибка с кодом.
// Сравнивается через errors.Is по указателю на sentinel-значение.
type Error struct {
	Code    Code   // Машинный код (insufficient_balance, invalid_state, ...)
	Message string // Сообщение для пользователя
}

func (e *Error) Error() string {
	return e.Message
}

// Коды ошибок
const (
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeBalanceNotFound     Code = "balance_not_found"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeSettlementShortfall Code = "settlement_shortfall"
	CodeForbiddenActor      Code = "forbidden_actor"
	CodeInvalidState        Code = "invalid_state"
	CodeNotDependent        Code = "not_dependent"
	CodeApprovalNotRequired Code = "approval_not_required"
	CodePackageNotFound     Code = "package_not_found"
	CodeRequestNotFound     Code = "request_not_found"
	CodeUserNotFound        Code = "user_not_found"
	CodeMalformedWebhook    Code = "malformed_webhook"
	CodeDuplicatePayment    Code = "duplicate_payment"
	CodeIntegration         Code = "integration_failure"
	CodeUnauthorized        Code = "unauthorized"
	CodeUnknown             Code = "unknown"
)

// Ошибки баланса и списаний
var (
	// ErrInsufficientBalance: недостаточно токенов на балансе
	ErrInsufficientBalance = &Error{CodeInsufficientBalance, "недостаточно токенов на балансе"}
	// ErrBalanceNotFound: баланс владельца ещё не создан
	ErrBalanceNotFound = &Error{CodeBalanceNotFound, "баланс не найден"}
	// ErrInvalidAmount: некорректная сумма (ноль или отрицательная)
	ErrInvalidAmount = &Error{CodeInvalidAmount, "сумма должна быть положительной"}
	// ErrSettlementShortfall: при доплате за операцию баланса не хватает.
	// Это фатально для вызывающей операции: ресурс уже частично выдан.
	ErrSettlementShortfall = &Error{CodeSettlementShortfall, "недостаточно токенов для доплаты по операции"}
	// ErrIntegration: сбой хранилища или внешней системы
	ErrIntegration = &Error{CodeIntegration, "внутренняя ошибка, попробуйте позже"}
)

// Ошибки запросов на покупку
var (
	// ErrForbiddenActor: действие выполняет не тот участник
	ErrForbiddenActor = &Error{CodeForbiddenActor, "у вас нет прав на это действие"}
	// ErrInvalidRequestState: запрос уже обработан
	ErrInvalidRequestState = &Error{CodeInvalidState, "запрос уже не ожидает решения"}
	// ErrNotDependent: запрос на покупку может создать только ребёнок
	ErrNotDependent = &Error{CodeNotDependent, "запрос на покупку может создать только детский аккаунт"}
	// ErrApprovalNotRequired: для пользователя одобрение не требуется
	ErrApprovalNotRequired = &Error{CodeApprovalNotRequired, "для этого аккаунта одобрение покупок не требуется"}
	// ErrPackageNotFound: пакет токенов не найден
	ErrPackageNotFound = &Error{CodePackageNotFound, "пакет токенов не найден"}
	// ErrRequestNotFound: запрос на покупку не найден
	ErrRequestNotFound = &Error{CodeRequestNotFound, "запрос на покупку не найден"}
	// ErrUserNotFound: пользователь не найден в базе
	ErrUserNotFound = &Error{CodeUserNotFound, "пользователь не найден"}
)

// Ошибки платёжной интеграции
var (
	// ErrMalformedWebhook: в событии платёжной системы нет нужных полей
	ErrMalformedWebhook = &Error{CodeMalformedWebhook, "некорректные данные платёжного события"}
	// ErrDuplicatePayment: платёж с таким внешним ID уже зачислен
	ErrDuplicatePayment = &Error{CodeDuplicatePayment, "платёж уже обработан"}
)

// Ошибки админки
var (
	// ErrNotAdmin: пользователь не является администратором
	ErrNotAdmin = &Error{CodeUnauthorized, "у вас нет прав администратора"}
	// ErrWrongPassword: неверный пароль
	ErrWrongPassword = &Error{CodeUnauthorized, "неверный пароль"}
	// ErrTooManyAttempts: слишком много неудачных попыток входа
	ErrTooManyAttempts = &Error{CodeUnauthorized, "слишком много попыток, подождите 1 час"}
	// ErrSessionExpired: сессия истекла
	ErrSessionExpired = &Error{CodeUnauthorized, "сессия истекла, авторизуйтесь заново"}
)

// CodeOf возвращает код ошибки из цепочки обёрток.
// Для ошибок без кода возвращает CodeUnknown, для nil пустую строку.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
