package session

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Flow inputs are validated client-side before any network call so obvious
// mistakes fail fast with a local message instead of a round trip.

type loginInput struct {
	Email    string
	Password string
}

func (r loginInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type otpInput struct {
	Email string
	Code  string
}

func (r otpInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Code, validation.Required, validation.Length(4, 10)),
	)
}

type passwordResetInput struct {
	Email       string
	Code        string
	NewPassword string
}

func (r passwordResetInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Code, validation.Required, validation.Length(4, 10)),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(8, 128)),
	)
}

func validateLogin(email, password string) error {
	return loginInput{Email: email, Password: password}.Validate()
}

func validateEmail(email string) error {
	return validation.Validate(email, validation.Required, is.Email)
}

func validateOTP(email, code string) error {
	return otpInput{Email: email, Code: code}.Validate()
}

func validatePasswordReset(email, code, newPassword string) error {
	return passwordResetInput{Email: email, Code: code, NewPassword: newPassword}.Validate()
}

func validateRegistration(profile map[string]any) error {
	email, _ := profile["email"].(string)
	password, _ := profile["password"].(string)
	name, _ := profile["name"].(string)
	return validation.Errors{
		"email":    validation.Validate(email, validation.Required, is.Email),
		"password": validation.Validate(password, validation.Required, validation.Length(8, 128)),
		"name":     validation.Validate(name, validation.Length(0, 200)),
	}.Filter()
}
