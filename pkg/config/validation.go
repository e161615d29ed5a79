package config

import (
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report yaml names so messages point at the file, not at Go fields.
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// ValidateConfig validates the entire configuration structure.
// Every problem found is reported, not just the first.
func ValidateConfig(config *SupervisorConfig) error {
	if config == nil {
		return errors.NewConfigError("configuration cannot be nil", nil)
	}

	collection := errors.NewErrorCollection()

	if err := structValidator().Struct(config); err != nil {
		var fieldErrors validator.ValidationErrors
		if !asValidationErrors(err, &fieldErrors) {
			return errors.NewConfigError("configuration validation failed", err)
		}
		for _, fe := range fieldErrors {
			collection.Add(errors.NewConfigError(describeFieldError(fe), nil).WithContext("field", fe.Namespace()))
		}
	}

	collection.Add(validateServices(config.Services))

	if collection.HasErrors() {
		return errors.NewConfigError("invalid configuration", collection)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrors, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrors
	}
	return ok
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "SupervisorConfig.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
}

// validateServices performs the cross-field checks struct tags cannot express.
func validateServices(services ServiceList) error {
	collection := errors.NewErrorCollection()
	seen := make(map[string]bool, len(services))

	for _, service := range services {
		if err := ValidateServiceName(service.Name); err != nil {
			collection.Add(err)
		}
		if seen[service.Name] {
			collection.Add(errors.NewConfigError("duplicate service name", nil).WithContext("service", service.Name))
		}
		seen[service.Name] = true
	}

	for _, service := range services {
		for _, dep := range service.Dependencies {
			if dep == service.Name {
				collection.Add(errors.NewConfigError(
					fmt.Sprintf("service %s depends on itself", service.Name), nil).WithContext("service", service.Name))
				continue
			}
			if !seen[dep] {
				collection.Add(errors.NewConfigError(
					fmt.Sprintf("service %s depends on unknown service %s", service.Name, dep), nil).
					WithContext("service", service.Name))
			}
		}
		if service.HealthCheck != nil {
			if err := ValidateHealthCheck(*service.HealthCheck); err != nil {
				collection.Add(errors.NewConfigError(
					fmt.Sprintf("service %s has an invalid health check", service.Name), err).
					WithContext("service", service.Name))
			}
		}
	}

	return collection.ToError()
}

// ValidateServiceName validates service name format and constraints.
func ValidateServiceName(name string) error {
	if name == "" {
		return errors.NewConfigError("service name cannot be empty", nil)
	}
	if len(name) > 64 {
		return errors.NewConfigError("service name cannot exceed 64 characters", nil).WithContext("service", name)
	}
	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewConfigError(
				"service name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("service", name)
		}
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}

// ValidateHealthCheck checks that the target makes sense for the probe type.
func ValidateHealthCheck(hc HealthCheckConfig) error {
	target := string(hc.Target)
	switch hc.Type {
	case HealthCheckTypePort:
		port, err := strconv.Atoi(target)
		if err != nil {
			return errors.NewConfigError("port health check target must be a number: "+target, err)
		}
		return ValidatePort(port)
	case HealthCheckTypeProcess:
		if strings.TrimSpace(target) == "" {
			return errors.NewConfigError("process health check target cannot be blank", nil)
		}
	case HealthCheckTypeURL:
		u, err := url.Parse(target)
		if err != nil {
			return errors.NewConfigError("invalid health check URL: "+target, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.NewConfigError("health check URL must use http or https: "+target, nil)
		}
		if u.Host == "" {
			return errors.NewConfigError("health check URL must include a host: "+target, nil)
		}
	case HealthCheckTypeGRPC:
		return ValidateNetworkAddress(target)
	default:
		return errors.NewConfigError("unsupported health check type: "+string(hc.Type), nil)
	}
	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewConfigError("port must be between 1 and 65535", nil).WithContext("port", port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port format
func ValidateNetworkAddress(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewConfigError("invalid network address format: "+address, err)
	}
	if host == "" {
		return errors.NewConfigError("host cannot be empty in address: "+address, nil)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewConfigError("invalid port in address: "+address, err)
	}
	return ValidatePort(port)
}
