package kechain

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validator vtypes as stored in a property's value_options.
const (
	VTypeNumericRange    = "numericRangeValidator"
	VTypeRequiredField   = "requiredFieldValidator"
	VTypeBooleanField    = "booleanFieldValidator"
	VTypeEvenNumber      = "evenNumberValidator"
	VTypeOddNumber       = "oddNumberValidator"
	VTypeRegexString     = "regexstringValidator"
	VTypeSingleReference = "singleReferenceValidator"
	VTypeFileExtension   = "fileExtensionValidator"
	VTypeFileSize        = "fileSizeValidator"
)

// Validator checks a property value on the client. The backend remains the
// authority; a passing validator does not guarantee the server accepts a value.
type Validator interface {
	VType() string
	// Validate returns nil when value passes or the validator does not apply
	// to values of its kind.
	Validate(value any) error
}

// UploadCandidate describes a file about to be uploaded to an attachment.
type UploadCandidate struct {
	Filename string
	Size     int64
}

// Validators parses the validators configured in value_options.
func (p *propertyBase) Validators() ([]Validator, error) {
	raw, ok := p.Options()["validators"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: validators of %s are not a list", ErrValidatorConfig, p)
	}
	out := make([]Validator, 0, len(list))
	for i, item := range list {
		spec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: validator %d of %s is not an object", ErrValidatorConfig, i, p)
		}
		v, err := parseValidator(spec)
		if err != nil {
			return nil, fmt.Errorf("validator %d of %s: %w", i, p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Validate runs every validator against the cached value.
func (p *propertyBase) Validate() error {
	validators, err := p.Validators()
	if err != nil {
		return err
	}
	value := p.self.Value()
	var errs []error
	for _, v := range validators {
		if err := v.Validate(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v.VType(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *propertyBase) IsValid() bool {
	return p.Validate() == nil
}

func parseValidator(spec map[string]any) (Validator, error) {
	vtype, _ := spec["vtype"].(string)
	config, _ := spec["config"].(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	switch vtype {
	case VTypeNumericRange:
		v := NumericRangeValidator{Min: math.Inf(-1), Max: math.Inf(1)}
		if f, ok := toFloat(config["minvalue"]); ok {
			v.Min = f
		}
		if f, ok := toFloat(config["maxvalue"]); ok {
			v.Max = f
		}
		if f, ok := toFloat(config["stepsize"]); ok {
			v.StepSize = f
		}
		v.EnforceStepSize, _ = config["enforce_stepsize"].(bool)
		if v.Min > v.Max {
			return nil, fmt.Errorf("%w: minvalue %v exceeds maxvalue %v", ErrValidatorConfig, v.Min, v.Max)
		}
		if v.EnforceStepSize && v.StepSize <= 0 {
			return nil, fmt.Errorf("%w: enforced stepsize must be positive", ErrValidatorConfig)
		}
		return v, nil
	case VTypeRequiredField:
		return RequiredFieldValidator{}, nil
	case VTypeBooleanField:
		return BooleanFieldValidator{}, nil
	case VTypeEvenNumber:
		return ParityValidator{Even: true}, nil
	case VTypeOddNumber:
		return ParityValidator{}, nil
	case VTypeRegexString:
		pattern, _ := config["pattern"].(string)
		if pattern == "" {
			return nil, fmt.Errorf("%w: regex validator without pattern", ErrValidatorConfig)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidatorConfig, err)
		}
		return RegexStringValidator{Pattern: re}, nil
	case VTypeSingleReference:
		return SingleReferenceValidator{}, nil
	case VTypeFileExtension:
		accept, err := stringList(config["accept"])
		if err != nil {
			return nil, err
		}
		return FileExtensionValidator{Accept: accept}, nil
	case VTypeFileSize:
		size, ok := toFloat(config["maxSize"])
		if !ok || size <= 0 {
			return nil, fmt.Errorf("%w: file size validator needs a positive maxSize", ErrValidatorConfig)
		}
		return FileSizeValidator{MaxSize: int64(size)}, nil
	}
	return nil, fmt.Errorf("%w: unknown vtype %q", ErrValidatorConfig, vtype)
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Split(list, ","), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: accept entries must be strings", ErrValidatorConfig)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: accept must be a list", ErrValidatorConfig)
}

// NumericRangeValidator bounds a numeric value, optionally on a step grid
// anchored at Min.
type NumericRangeValidator struct {
	Min, Max        float64
	StepSize        float64
	EnforceStepSize bool
}

func (NumericRangeValidator) VType() string { return VTypeNumericRange }

func (v NumericRangeValidator) Validate(value any) error {
	f, ok := toFloat(value)
	if !ok {
		return nil
	}
	if f < v.Min || f > v.Max {
		return fmt.Errorf("must be between %v and %v", v.Min, v.Max)
	}
	if v.EnforceStepSize {
		anchor := v.Min
		if math.IsInf(anchor, -1) {
			anchor = 0
		}
		steps := (f - anchor) / v.StepSize
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return fmt.Errorf("must be a multiple of %v from %v", v.StepSize, anchor)
		}
	}
	return nil
}

// RequiredFieldValidator rejects empty values.
type RequiredFieldValidator struct{}

func (RequiredFieldValidator) VType() string { return VTypeRequiredField }

func (RequiredFieldValidator) Validate(value any) error {
	if _, ok := value.(bool); ok {
		return nil
	}
	return validation.Validate(value, validation.Required)
}

// BooleanFieldValidator requires a boolean value.
type BooleanFieldValidator struct{}

func (BooleanFieldValidator) VType() string { return VTypeBooleanField }

func (BooleanFieldValidator) Validate(value any) error {
	return validation.Validate(value, validation.By(func(v any) error {
		if v == nil {
			return nil
		}
		if _, ok := v.(bool); !ok {
			return errors.New("must be true or false")
		}
		return nil
	}))
}

// ParityValidator requires an even or odd integer.
type ParityValidator struct {
	Even bool
}

func (v ParityValidator) VType() string {
	if v.Even {
		return VTypeEvenNumber
	}
	return VTypeOddNumber
}

func (v ParityValidator) Validate(value any) error {
	f, ok := toFloat(value)
	if !ok {
		return nil
	}
	return validation.Validate(f, validation.By(func(any) error {
		if f != math.Trunc(f) {
			return errors.New("must be an integer")
		}
		even := math.Mod(f, 2) == 0
		switch {
		case v.Even && !even:
			return errors.New("must be even")
		case !v.Even && even:
			return errors.New("must be odd")
		}
		return nil
	}))
}

// RegexStringValidator requires text values to match Pattern.
type RegexStringValidator struct {
	Pattern *regexp.Regexp
}

func (RegexStringValidator) VType() string { return VTypeRegexString }

func (v RegexStringValidator) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	return validation.Validate(s, validation.Match(v.Pattern))
}

// SingleReferenceValidator allows at most one referenced resource.
type SingleReferenceValidator struct{}

func (SingleReferenceValidator) VType() string { return VTypeSingleReference }

func (SingleReferenceValidator) Validate(value any) error {
	ids, ok := value.([]string)
	if !ok {
		return nil
	}
	return validation.Validate(ids, validation.Length(0, 1))
}

// FileExtensionValidator restricts attachment names to accepted extensions or
// mime patterns such as "image/*".
type FileExtensionValidator struct {
	Accept []string
}

func (FileExtensionValidator) VType() string { return VTypeFileExtension }

func (v FileExtensionValidator) Validate(value any) error {
	var name string
	switch f := value.(type) {
	case UploadCandidate:
		name = f.Filename
	case string:
		name = f
	default:
		return nil
	}
	if name == "" || len(v.Accept) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, accept := range v.Accept {
		accept = strings.ToLower(strings.TrimSpace(accept))
		switch {
		case accept == ext:
			return nil
		case strings.HasSuffix(accept, "/*"):
			if mimeOf(ext, strings.TrimSuffix(accept, "*")) {
				return nil
			}
		}
	}
	return fmt.Errorf("extension %q is not one of %v", ext, v.Accept)
}

// FileSizeValidator caps the size of uploads.
type FileSizeValidator struct {
	MaxSize int64
}

func (FileSizeValidator) VType() string { return VTypeFileSize }

func (v FileSizeValidator) Validate(value any) error {
	c, ok := value.(UploadCandidate)
	if !ok {
		return nil
	}
	return validation.Validate(c.Size, validation.Max(v.MaxSize))
}
