package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	console "github.com/chimerakang/admin-console-go"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("console/auth: operation not allowed in current state")
	// ErrNoPendingVerification is returned by VerifyOTP when no code was requested.
	ErrNoPendingVerification = errors.New("console/auth: no verification in progress")
	// ErrInvalidCode is returned for codes that are not six characters.
	ErrInvalidCode = errors.New("console/auth: verification code must be 6 characters")
	// ErrPasswordMismatch is returned when the confirmation differs from the password.
	ErrPasswordMismatch = errors.New("console/auth: passwords do not match")
	// ErrNoResetToken is returned by SetNewPassword before the reset code was verified.
	ErrNoResetToken = errors.New("console/auth: no password reset token found")
)

var notices = map[error]string{
	ErrInvalidTransition:     "This action is not available right now.",
	ErrNoPendingVerification: "Request a verification code first.",
	ErrInvalidCode:           "Enter the 6-digit code.",
	ErrPasswordMismatch:      "Passwords do not match",
	ErrNoResetToken:          "Verify your email before choosing a new password.",
}

var fallbacks = map[console.Op]string{
	console.OpRegister:       "Sign-up failed.",
	console.OpSignIn:         "Invalid credentials.",
	console.OpRequestOTP:     "OTP generation failed.",
	console.OpVerifyOTP:      "Authentication failed.",
	console.OpSetNewPassword: "Password reset failed.",
	console.OpSignOut:        "Sign-out failed.",
}

// notice turns err into the text shown to the user.
func notice(op console.Op, err error) string {
	for sentinel, msg := range notices {
		if errors.Is(err, sentinel) {
			return msg
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return strings.Join(msgs, " ")
	}

	var apiErr *console.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, console.ErrSessionExpired) {
		return console.Message(err)
	}
	return fallbacks[op]
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required.", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address.", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters.", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters.", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid.", field)
	}
}
