package model

import "time"

type Account struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Platform  string    `db:"platform" json:"platform"`
	Code      string    `db:"code" json:"-"`
	Uin       string    `db:"uin" json:"uin,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type UpsertAccountParams struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Code     string `json:"code"`
	Uin      string `json:"uin"`
}

// Binding ties an operator to an account. An account has at most one owner
// and an operator owns at most one account.
type Binding struct {
	UserID      string    `db:"user_id" json:"userId"`
	AccountID   string    `db:"account_id" json:"accountId"`
	AccountName string    `db:"account_name" json:"accountName"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}
