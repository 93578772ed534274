package discount

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeValidate(t *testing.T) {
	neg := int64(-1)
	cases := []struct {
		name  string
		shape Shape
		err   error
	}{
		{name: "percentage", shape: Shape{Type: TypePercentage, Value: 15}},
		{name: "percentage upper bound", shape: Shape{Type: TypePercentage, Value: 100}},
		{name: "percentage above 100", shape: Shape{Type: TypePercentage, Value: 101}, err: ErrInvalidValue},
		{name: "fixed amount", shape: Shape{Type: TypeFixedAmount, Value: 500}},
		{name: "negative fixed amount", shape: Shape{Type: TypeFixedAmount, Value: -5}, err: ErrInvalidValue},
		{name: "free shipping ignores value", shape: Shape{Type: TypeFreeShipping}},
		{name: "unknown type", shape: Shape{Type: "bogo"}, err: ErrInvalidType},
		{name: "negative minimum", shape: Shape{Type: TypeFreeShipping, MinimumCartValue: &neg}, err: ErrInvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.shape.Validate()
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestShapeDecimals(t *testing.T) {
	min := int64(5000)
	shape := Shape{Type: TypeFixedAmount, Value: 1250, MinimumCartValue: &min}

	assert.Equal(t, "12.50", shape.Amount().StringFixed(2))
	subtotal, ok := shape.MinimumSubtotal()
	require.True(t, ok)
	assert.Equal(t, "50.00", subtotal.StringFixed(2))

	pct := Shape{Type: TypePercentage, Value: 15}
	assert.Equal(t, "0.15", pct.Percentage().String())

	_, ok = Shape{Type: TypeFreeShipping}.MinimumSubtotal()
	assert.False(t, ok)
}

func TestGenerateCode(t *testing.T) {
	id := snowflake.ID(1234567890)

	code := GenerateCode("LOYAL", "gid-7012345", id)
	assert.Equal(t, "LOYAL2345_KF12OI", code)

	short := GenerateCode("loyal", "42", id)
	assert.Equal(t, "LOYAL42_KF12OI", short)
}
