package engine

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/evolve/internal/ir"
)

// requestValidate is the validator instance for engine requests.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())

	_ = requestValidate.RegisterValidation("componentid", validateComponentID)
	_ = requestValidate.RegisterValidation("artifactref", validateArtifactRef)
	_ = requestValidate.RegisterValidation("version", validateVersion)
}

// MaxIDLength bounds component ids and domains.
const MaxIDLength = 200

func validComponentID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return ir.ValidRef(ir.DescriptorRef(id))
}

func validateComponentID(fl validator.FieldLevel) bool {
	return validComponentID(fl.Field().String())
}

func validateArtifactRef(fl validator.FieldLevel) bool {
	return ir.ValidRef(fl.Field().String())
}

func validateVersion(fl validator.FieldLevel) bool {
	return ir.ValidVersion(fl.Field().String())
}

// validateRequest runs struct validation and converts failures into a
// VALIDATION error.
func validateRequest(componentID string, req any) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(componentID, "invalid request: %v", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return NewValidationError(componentID, "invalid request: %s", strings.Join(msgs, "; "))
}

// reservedName reports whether ref uses a file name the engine generates.
func reservedName(ref string) bool {
	switch path.Base(ref) {
	case ir.DescriptorFile, ir.CapabilityFile, ir.ManifestFile:
		return true
	}
	return false
}

// ArtifactInput is one artifact of a new component. Nil Content adopts the
// bytes already present in the workspace at Ref.
type ArtifactInput struct {
	Ref     string `json:"ref" validate:"required,artifactref"`
	Content []byte `json:"content,omitempty"`
}

// CreateRequest registers a new component.
type CreateRequest struct {
	ID           string          `json:"id" validate:"required,componentid"`
	Kind         ir.Kind         `json:"kind" validate:"required"`
	Version      string          `json:"version,omitempty" validate:"omitempty,version"`
	Domain       string          `json:"domain,omitempty" validate:"omitempty,componentid"`
	Dependencies []string        `json:"dependencies,omitempty" validate:"dive,componentid"`
	Artifacts    []ArtifactInput `json:"artifacts,omitempty" validate:"dive"`
}

// CapabilitySpec describes the capability added by AddCapability.
// Triggers are normalised before reservation.
type CapabilitySpec struct {
	Name        string   `json:"name,omitempty" yaml:"name,omitempty" validate:"max=200"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    []string `json:"triggers" yaml:"triggers" validate:"required,min=1,dive,required"`
}

// Bucket is one part of a split partition.
//
// Nil Dependencies inherits the original's declared dependencies; an empty
// non-nil list declares none.
type Bucket struct {
	Name         string   `json:"name" yaml:"name" validate:"required,componentid"`
	Artifacts    []string `json:"artifacts" yaml:"artifacts" validate:"required,min=1,dive,artifactref"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"omitempty,dive,componentid"`
}

// PartitionSpec is the input of Split. An empty Mode uses the engine default.
type PartitionSpec struct {
	Buckets []Bucket  `json:"buckets" yaml:"buckets" validate:"required,min=2,dive"`
	Mode    SplitMode `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=orchestrator retire"`
}
