// Package mailer sends donation receipts over SMTP. It implements
// payment.Notifier.
package mailer

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"ndao-backend/internal/payment"
)

type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

func New(cfg Config) *Mailer {
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &Mailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
		from:   from,
	}
}

// SendReceipt mails the donor their donation receipt.
func (m *Mailer) SendReceipt(ctx context.Context, r payment.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.from, "ONG Ndao Hifanosika")
	msg.SetHeader("To", r.DonorEmail)
	msg.SetHeader("Subject", "Donation receipt - thank you for your support!")
	msg.SetBody("text/html", fmt.Sprintf(`
		<h2>Donation receipt</h2>
		<p>Hello %s,</p>
		<p>Thank you for your donation to <b>Ndao Hifanosika</b>.</p>
		<ul>
		  <li>Donation: #%d</li>
		  <li>Amount: %d Ar</li>
		  <li>Payment method: %s</li>
		  <li>Date: %s</li>
		</ul>
	`, r.DonorName, r.DonationID, r.Amount, r.Method, r.PaidAt.Format("02/01/2006 15:04")))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("could not send receipt to %s: %w", r.DonorEmail, err)
	}
	return nil
}
