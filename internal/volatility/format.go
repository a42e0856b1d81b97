package volatility

import "fmt"

func fmtInt(prefix string, v int64) string {
	return fmt.Sprintf("%s%d", prefix, v)
}

func fmtFloat(prefix string, v float64) string {
	return fmt.Sprintf("%s%v", prefix, v)
}

func fmtFloatPtr(prefix string, v *float64) string {
	if v == nil {
		return prefix + "<nil>"
	}
	return fmt.Sprintf("%s%v", prefix, *v)
}
