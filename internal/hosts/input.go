package hosts

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/go-playground/validator/v10"
)

const defaultPort = 22

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("endpoint", validateEndpoint)
}

// validateEndpoint accepts an IP address or an RFC 1123 hostname.
func validateEndpoint(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if v == "" || strings.ContainsAny(v, " \t/@") {
		return false
	}
	return validate.Var(v, "ip") == nil || validate.Var(v, "hostname_rfc1123") == nil
}

// ValidationError reports a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// HostInput describes a host to add or to test before saving.
type HostInput struct {
	Name       string `json:"name" yaml:"name" validate:"required,max=128"`
	Hostname   string `json:"hostname" yaml:"hostname" validate:"required,max=253,endpoint"`
	Port       int    `json:"port,omitempty" yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" yaml:"username" validate:"required,max=64"`
	AuthType   string `json:"auth_type,omitempty" yaml:"auth_type" validate:"omitempty,oneof=key password"`
	Password   string `json:"password,omitempty" yaml:"password"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key"`
	IsActive   *bool  `json:"is_active,omitempty" yaml:"is_active"`
}

// HostPatch is a partial update; nil fields are left unchanged.
type HostPatch struct {
	Name       *string `json:"name" validate:"omitnil,min=1,max=128"`
	Hostname   *string `json:"hostname" validate:"omitnil,max=253,endpoint"`
	Port       *int    `json:"port" validate:"omitnil,min=1,max=65535"`
	Username   *string `json:"username" validate:"omitnil,min=1,max=64"`
	AuthType   *string `json:"auth_type" validate:"omitnil,oneof=key password"`
	Password   *string `json:"password"`
	PrivateKey *string `json:"private_key"`
	IsActive   *bool   `json:"is_active"`
}

func (p HostPatch) empty() bool {
	return p.Name == nil && p.Hostname == nil && p.Port == nil && p.Username == nil &&
		p.AuthType == nil && p.Password == nil && p.PrivateKey == nil && p.IsActive == nil
}

// normalize fills defaults and checks the fields validator tags cannot
// express.
func (in *HostInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Hostname = strings.TrimSpace(in.Hostname)
	in.Username = strings.TrimSpace(in.Username)
	if in.Port == 0 {
		in.Port = defaultPort
	}
	if in.AuthType == "" {
		if in.Password != "" {
			in.AuthType = database.AuthPassword
		} else {
			in.AuthType = database.AuthKey
		}
	}
	if err := validateStruct(in); err != nil {
		return err
	}
	if in.AuthType == database.AuthPassword && in.Password == "" {
		return &ValidationError{Field: "password", Message: "is required for password authentication"}
	}
	if in.AuthType == database.AuthKey && in.Password != "" {
		return &ValidationError{Field: "password", Message: "is not used with key authentication"}
	}
	return nil
}

// credential returns the secret to store for this input.
func (in *HostInput) credential() string {
	if in.AuthType == database.AuthPassword {
		return in.Password
	}
	return in.PrivateKey
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "endpoint":
		return "must be a hostname or IP address"
	default:
		return "is invalid"
	}
}
