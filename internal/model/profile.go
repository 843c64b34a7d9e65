package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ConnectionProfile holds the parameters the operator enters to reach a database.
type ConnectionProfile struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Database string `json:"database" yaml:"database" validate:"required"`
	Username string `json:"username" yaml:"username" validate:"required"`
	Password string `json:"password" yaml:"password" validate:"required"`
}

// ProfileError reports the required fields missing from a ConnectionProfile.
type ProfileError struct {
	Missing []string
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("connection profile incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every field is present. It never touches the network.
func (p ConnectionProfile) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	pe := &ProfileError{}
	for _, fe := range verrs {
		pe.Missing = append(pe.Missing, strings.ToLower(fe.Field()))
	}
	return pe
}

// Redacted returns a copy of the profile with the password masked.
func (p ConnectionProfile) Redacted() ConnectionProfile {
	c := p
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// Environment is one selectable logical database/tenant.
type Environment struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Name     string `json:"name" yaml:"name"`
	Database string `json:"database" yaml:"database" validate:"required"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
}

// Validate checks the fields the backend needs to address an environment.
func (e Environment) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	return nil
}
