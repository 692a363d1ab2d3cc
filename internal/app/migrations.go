package app

import "serotonyl.ru/token-ledger/internal/db/postgres"

// SQL-миграции встроены в код для упрощения деплоя.
var migrations = []postgres.Migration{
	{Version: 1, Name: "members", SQL: migration001Members},
	{Version: 2, Name: "token_ledger", SQL: migration002Ledger},
	{Version: 3, Name: "payments", SQL: migration003Payments},
	{Version: 4, Name: "purchase_requests", SQL: migration004PurchaseRequests},
	{Version: 5, Name: "notifications", SQL: migration005Notifications},
	{Version: 6, Name: "admin", SQL: migration006Admin},
	{Version: 7, Name: "notification_retries", SQL: migration007NotificationRetries},
}

var migration001Members = `
CREATE TABLE IF NOT EXISTS members (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT UNIQUE NOT NULL,
    username VARCHAR(255) NOT NULL DEFAULT '',
    first_name VARCHAR(255) NOT NULL DEFAULT '',
    last_name VARCHAR(255) NOT NULL DEFAULT '',
    role VARCHAR(32) NOT NULL DEFAULT '' CHECK (role IN ('', 'guardian', 'dependent')),
    group_id BIGINT,
    token_mode VARCHAR(32) NOT NULL DEFAULT 'individual' CHECK (token_mode IN ('individual', 'group')),
    requires_purchase_approval BOOLEAN NOT NULL DEFAULT FALSE,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (token_mode = 'individual' OR group_id IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_members_username ON members(LOWER(username));
CREATE INDEX IF NOT EXISTS idx_members_group ON members(group_id, role);
`

var migration002Ledger = `
CREATE TABLE IF NOT EXISTS token_balances (
    id BIGSERIAL PRIMARY KEY,
    owner_type VARCHAR(16) NOT NULL CHECK (owner_type IN ('user', 'group')),
    owner_id BIGINT NOT NULL,
    balance BIGINT NOT NULL DEFAULT 0,
    free_balance BIGINT NOT NULL DEFAULT 0 CHECK (free_balance >= 0),
    paid_balance BIGINT NOT NULL DEFAULT 0 CHECK (paid_balance >= 0),
    total_consumed BIGINT NOT NULL DEFAULT 0,
    monthly_consumed BIGINT NOT NULL DEFAULT 0,
    free_balance_reset_at TIMESTAMPTZ NOT NULL,
    monthly_consumed_reset_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (owner_type, owner_id),
    CHECK (balance = free_balance + paid_balance)
);
CREATE INDEX IF NOT EXISTS idx_token_balances_reset ON token_balances(free_balance_reset_at);

CREATE TABLE IF NOT EXISTS token_transactions (
    id BIGSERIAL PRIMARY KEY,
    owner_type VARCHAR(16) NOT NULL,
    owner_id BIGINT NOT NULL,
    user_id BIGINT,
    type VARCHAR(32) NOT NULL,
    amount BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    related_type VARCHAR(64),
    related_id BIGINT,
    metadata JSONB,
    admin_user_id BIGINT,
    admin_note TEXT,
    payment_ref VARCHAR(255),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_token_transactions_owner
    ON token_transactions(owner_type, owner_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_token_transactions_payment_ref
    ON token_transactions(payment_ref) WHERE type = 'purchase' AND payment_ref IS NOT NULL;

CREATE TABLE IF NOT EXISTS token_packages (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    token_amount BIGINT NOT NULL CHECK (token_amount > 0),
    price BIGINT NOT NULL CHECK (price >= 0),
    currency VARCHAR(8) NOT NULL DEFAULT 'rub',
    stripe_price_id VARCHAR(255),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration003Payments = `
CREATE TABLE IF NOT EXISTS payment_history (
    id BIGSERIAL PRIMARY KEY,
    owner_type VARCHAR(16) NOT NULL,
    owner_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    payment_ref VARCHAR(255) UNIQUE NOT NULL,
    package_id BIGINT REFERENCES token_packages(id),
    amount BIGINT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    token_amount BIGINT NOT NULL,
    status VARCHAR(32) NOT NULL,
    method VARCHAR(32) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_payment_history_owner
    ON payment_history(owner_type, owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_events (
    provider VARCHAR(32) NOT NULL,
    event_id VARCHAR(255) NOT NULL,
    event_type VARCHAR(128) NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (provider, event_id)
);
`

var migration004PurchaseRequests = `
CREATE TABLE IF NOT EXISTS purchase_requests (
    id BIGSERIAL PRIMARY KEY,
    requester_id BIGINT NOT NULL REFERENCES members(user_id),
    package_id BIGINT NOT NULL REFERENCES token_packages(id),
    status VARCHAR(16) NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'approved', 'rejected', 'canceled')),
    approver_id BIGINT REFERENCES members(user_id),
    rejection_reason TEXT,
    checkout_url TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_purchase_requests_requester ON purchase_requests(requester_id, status);
`

var migration005Notifications = `
CREATE TABLE IF NOT EXISTS notifications (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    type VARCHAR(64) NOT NULL,
    title VARCHAR(255) NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    data JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    delivered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_notifications_recent ON notifications(user_id, type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_undelivered ON notifications(created_at) WHERE delivered_at IS NULL;
`

var migration006Admin = `
CREATE TABLE IF NOT EXISTS admin_sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT REFERENCES members(user_id),
    session_token VARCHAR(255) UNIQUE,
    authenticated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_admin_sessions_user_id ON admin_sessions(user_id);
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT,
    attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    success BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_admin_login_attempts_user ON admin_login_attempts(user_id, attempt_time);
`

var migration007NotificationRetries = `
ALTER TABLE notifications ADD COLUMN IF NOT EXISTS attempts INT NOT NULL DEFAULT 0;
ALTER TABLE notifications ADD COLUMN IF NOT EXISTS next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW();
DROP INDEX IF EXISTS idx_notifications_undelivered;
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(next_attempt_at, id) WHERE delivered_at IS NULL;
`
