package models

import "time"

// We use 'db' tags for sqlx to automatically map
// the database column names (snake_case) to our Go fields (CamelCase).

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
	RoleDonor Role = "donor"
)

// Status is an account's validation status. Staff accounts start
// as StatusPending until an admin approves them.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User represents an account: admin, staff member or donor.
type User struct {
	ID             int64     `db:"id" json:"id"`
	FirstName      string    `db:"first_name" json:"first_name"`
	LastName       string    `db:"last_name" json:"last_name"`
	Email          string    `db:"email" json:"email"`
	PasswordHash   string    `db:"password_hash" json:"-"`
	Phone          string    `db:"phone" json:"phone"`
	Role           Role      `db:"role" json:"role"`
	Status         Status    `db:"status" json:"status"`
	ProfilePhoto   string    `db:"profile_photo" json:"profile_photo"`
	DashboardToken string    `db:"dashboard_token" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Campaign represents a fundraising campaign.
type Campaign struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	StartDate   time.Time `db:"start_date" json:"start_date"`
	EndDate     time.Time `db:"end_date" json:"end_date"`
	Budget      int64     `db:"budget" json:"budget"`
	Image       string    `db:"image" json:"image"`
	AuthorID    int64     `db:"author_id" json:"author_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Article represents a news article. Images is a JSON array of
// upload paths stored as text.
type Article struct {
	ID        int64     `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	Images    string    `db:"images" json:"images"`
	Published bool      `db:"published" json:"published"`
	AuthorID  int64     `db:"author_id" json:"author_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentState is a donation's position in the payment lifecycle.
type PaymentState string

const (
	StatePendingInitiation   PaymentState = "pending_initiation"
	StatePendingConfirmation PaymentState = "pending_confirmation"
	StateConfirmed           PaymentState = "confirmed"
	StateFailed              PaymentState = "failed"
	StateTimedOut            PaymentState = "timed_out"
)

// Terminal reports whether no further automatic transition can
// occur from this state.
func (s PaymentState) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// PaymentMethod is the closed set of accepted payment methods.
// Only MVola requires out-of-band confirmation by the provider;
// every other method is confirmed immediately on creation.
type PaymentMethod string

const (
	MethodMVola        PaymentMethod = "mvola"
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
)

// ParsePaymentMethod maps a request string onto the closed enumeration.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch PaymentMethod(s) {
	case MethodMVola, MethodCash, MethodBankTransfer, MethodCard:
		return PaymentMethod(s), true
	}
	return "", false
}

// RequiresConfirmation reports whether the method needs the external
// provider to confirm payment asynchronously.
func (m PaymentMethod) RequiresConfirmation() bool {
	return m == MethodMVola
}

// DonationKind distinguishes one-time from recurring donations.
type DonationKind string

const (
	KindOneTime   DonationKind = "one_time"
	KindRecurring DonationKind = "recurring"
)

// Donation represents a single donation and its payment lifecycle.
// The donor fields are a snapshot captured at donation time, not a
// live reference to a user account.
type Donation struct {
	ID            int64         `db:"id" json:"id"`
	CampaignID    *int64        `db:"campaign_id" json:"campaign_id,omitempty"`
	Amount        int64         `db:"amount" json:"amount"`
	Kind          DonationKind  `db:"kind" json:"kind"`
	Method        PaymentMethod `db:"method" json:"method"`
	DonorName     string        `db:"donor_name" json:"donor_name"`
	DonorEmail    string        `db:"donor_email" json:"donor_email"`
	DonorPhone    string        `db:"donor_phone" json:"donor_phone"`
	PaymentState  PaymentState  `db:"payment_state" json:"payment_state"`
	CorrelationID string        `db:"correlation_id" json:"correlation_id,omitempty"`
	ProviderRef   string        `db:"provider_ref" json:"provider_ref,omitempty"`
	ReceiptSent   bool          `db:"receipt_sent" json:"receipt_sent"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}
