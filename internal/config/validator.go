package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and, in production, that secrets are
// set to real values.
func (c *Config) Validate() error {
	var problems []string
	if err := structValidator.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, f := range fields {
			problems = append(problems, fmt.Sprintf("%s failed %q", f.Namespace(), f.Tag()))
		}
	}
	problems = append(problems, NewSecretValidator(c).Errors()...)
	if len(problems) > 0 {
		return fmt.Errorf("%w:\n   %s", ErrInvalid, strings.Join(problems, "\n   "))
	}
	return nil
}

var exampleSecrets = map[string]bool{
	"changeme":                          true,
	"CHANGE_THIS_SECRET_KEY_BEFORE_USE": true,
	"inframate_password":                true,
}

// SecretValidator reviews credentials the deployment carries. Problems are
// errors in production and warnings elsewhere.
type SecretValidator struct {
	config     *Config
	production bool
	errors     []string
	warnings   []string
}

func NewSecretValidator(cfg *Config) *SecretValidator {
	v := &SecretValidator{config: cfg, production: cfg.App.IsProduction()}
	v.validateEncryptionKey()
	v.validateDatabasePassword()
	v.validateRedisPassword()
	return v
}

// Errors returns the findings that block startup.
func (v *SecretValidator) Errors() []string { return v.errors }

// Warnings returns findings that only deserve a log line.
func (v *SecretValidator) Warnings() []string { return v.warnings }

func (v *SecretValidator) validateEncryptionKey() {
	key := v.config.Email.EncryptionKey
	switch {
	case key == "":
		v.addError("email.encryption_key is not set; provider credentials are stored unencrypted")
	case exampleSecrets[key]:
		v.addError("email.encryption_key is using a default example value")
	case !v.production && (strings.HasPrefix(key, "dev-") || strings.HasPrefix(key, "test-")):
	case len(key) < 32:
		v.addError("email.encryption_key must be at least 32 characters long")
	}
}

func (v *SecretValidator) validateDatabasePassword() {
	if v.config.Database.DSN != "" {
		return
	}
	password := v.config.Database.Password
	switch {
	case password == "":
		v.addWarning("database.password is not set")
	case exampleSecrets[password]:
		v.addError("database.password is using a default example value")
	case len(password) < 12:
		v.addWarning("database.password should be at least 12 characters long")
	}
}

func (v *SecretValidator) validateRedisPassword() {
	if v.config.Redis.Enabled && v.config.Redis.Password == "" {
		v.addWarning("redis.password is not set")
	}
}

func (v *SecretValidator) addError(message string) {
	if v.production {
		v.errors = append(v.errors, message)
	} else {
		v.warnings = append(v.warnings, message)
	}
}

func (v *SecretValidator) addWarning(message string) {
	v.warnings = append(v.warnings, message)
}
