package entity

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360/entitystream/errors"
)

// GUID is the opaque, deterministically derived identity of an entity. The
// same (accountID, domain, type, identifier) tuple always encodes to the same
// GUID, across calls and process restarts.
type GUID string

// taxonomyRegex constrains domain and type values so the encoded tuple stays
// unambiguous: the identifier is the only field allowed to contain the
// separator.
var taxonomyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

const guidSeparator = "|"

// ValidateTaxonomy checks a domain or entity type value against the fixed
// taxonomy format (INFRA, MESSAGE_QUEUE_CLUSTER, ...)
func ValidateTaxonomy(value string) error {
	if !taxonomyRegex.MatchString(value) {
		return errors.WrapInvalid(errors.ErrInvalidRule, "GUID", "ValidateTaxonomy",
			fmt.Sprintf("taxonomy value %q must match %s", value, taxonomyRegex.String()))
	}
	return nil
}

// EncodeGUID derives the stable identity token for an entity. It is a pure
// function of its inputs; no randomness or clock is involved.
func EncodeGUID(accountID int64, domain, entityType, identifier string) (GUID, error) {
	if accountID <= 0 {
		return "", errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "EncodeGUID", "account id must be positive")
	}
	if err := ValidateTaxonomy(domain); err != nil {
		return "", errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "EncodeGUID", "invalid domain")
	}
	if err := ValidateTaxonomy(entityType); err != nil {
		return "", errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "EncodeGUID", "invalid type")
	}
	if identifier == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "EncodeGUID", "identifier is empty")
	}

	raw := strings.Join([]string{
		strconv.FormatInt(accountID, 10),
		domain,
		entityType,
		identifier,
	}, guidSeparator)

	return GUID(base64.RawURLEncoding.EncodeToString([]byte(raw))), nil
}

// DecodeGUID inverts EncodeGUID exactly for any token it produced. Malformed
// tokens fail with ErrInvalidGUID; values are never silently coerced.
func DecodeGUID(guid GUID) (accountID int64, domain, entityType, identifier string, err error) {
	if guid == "" {
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "token is empty")
		return
	}

	raw, decodeErr := base64.RawURLEncoding.DecodeString(string(guid))
	if decodeErr != nil {
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "token is not base64url")
		return
	}

	// The identifier may itself contain the separator, so split only the
	// leading three fields.
	parts := strings.SplitN(string(raw), guidSeparator, 4)
	if len(parts) != 4 {
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "token does not contain four fields")
		return
	}

	accountID, parseErr := strconv.ParseInt(parts[0], 10, 64)
	if parseErr != nil || accountID <= 0 {
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "account id is not a positive integer")
		return
	}

	domain, entityType, identifier = parts[1], parts[2], parts[3]
	if ValidateTaxonomy(domain) != nil || ValidateTaxonomy(entityType) != nil {
		accountID, domain, entityType, identifier = 0, "", "", ""
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "domain or type violates taxonomy format")
		return
	}
	if identifier == "" {
		accountID, domain, entityType = 0, "", ""
		err = errors.WrapInvalid(errors.ErrInvalidGUID, "GUID", "DecodeGUID", "identifier is empty")
		return
	}

	return
}
