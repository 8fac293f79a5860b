package email

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/civicos/identity-service/internal/config"
)

// EmailService handles sending emails
type EmailService struct {
	cfg config.SMTPConfig
}

// NewEmailService creates a new email service
func NewEmailService(cfg config.SMTPConfig) *EmailService {
	return &EmailService{cfg: cfg}
}

// SendVerificationCode sends the one-time code used by the email step
func (s *EmailService) SendVerificationCode(toEmail, code string, ttlMinutes int) error {
	subject := "Your CivicOS Verification Code"

	body := fmt.Sprintf(`
	<!DOCTYPE html>
	<html>
	<head>
		<style>
			body { font-family: Arial, sans-serif; line-height: 1.6; }
			.container { max-width: 600px; margin: 0 auto; padding: 20px; }
			.header { background-color: #1E3A8A; color: white; padding: 10px; text-align: center; }
			.content { padding: 20px; }
			.code { font-size: 32px; letter-spacing: 8px; font-weight: bold; text-align: center; padding: 16px; background-color: #F3F4F6; }
		</style>
	</head>
	<body>
		<div class="container">
			<div class="header">
				<h1>CivicOS</h1>
			</div>
			<div class="content">
				<h2>Verify your email</h2>
				<p>Enter this code to continue your identity verification:</p>
				<p class="code">%s</p>
				<p>This code expires in %d minutes.</p>
				<p>If you did not start an identity verification with CivicOS, please ignore this email.</p>
				<p>The CivicOS Team</p>
			</div>
		</div>
	</body>
	</html>
	`, code, ttlMinutes)

	return s.sendEmail(toEmail, subject, body)
}

// sendEmail delivers an HTML email via SMTP
func (s *EmailService) sendEmail(toEmail, subject, body string) error {
	if s.cfg.Host == "" {
		log.Printf("SMTP not configured, skipping email to %s", toEmail)
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.cfg.FromEmail, toEmail, subject, body)

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)

	if err := smtp.SendMail(addr, auth, s.cfg.FromEmail, []string{toEmail}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}
