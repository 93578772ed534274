package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

var (
	errInvalidSnowflakeID = errors.New("invalid_snowflake_id")
	errInvalidTime        = errors.New("invalid_time")
)

// optional parses a trimmed query or body value; blank input yields nil.
func optional[T any](value string, parse func(string) (T, error)) (*T, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := parse(value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalBool(value string) (*bool, error) {
	return optional(value, strconv.ParseBool)
}

func parseOptionalInt64(value string) (*int64, error) {
	return optional(value, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	return optional(value, func(s string) (snowflake.ID, error) {
		id, err := snowflake.ParseString(s)
		if err != nil || id <= 0 {
			return 0, errInvalidSnowflakeID
		}
		return id, nil
	})
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	switch {
	case err != nil:
		return 0, err
	case id == nil:
		return 0, errInvalidSnowflakeID
	}
	return *id, nil
}

// parseOptionalTime accepts RFC 3339 timestamps or bare dates. A bare date
// bound with endOfDay covers the whole UTC day.
func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	return optional(value, func(s string) (time.Time, error) {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UTC(), nil
		}
		day, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
		if err != nil {
			return time.Time{}, errInvalidTime
		}
		if endOfDay {
			return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return day, nil
	})
}

// parseTimeRange reads the from/to bounds shared by the list endpoints.
func parseTimeRange(c *gin.Context) (from, to *time.Time, err error) {
	if from, err = parseOptionalTime(c.Query("from"), false); err != nil {
		return nil, nil, newValidationError("from", "invalid_from", "invalid from")
	}
	if to, err = parseOptionalTime(c.Query("to"), true); err != nil {
		return nil, nil, newValidationError("to", "invalid_to", "invalid to")
	}
	return from, to, nil
}
