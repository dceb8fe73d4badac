package twitter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

func graphqlOp(key, name string) policy.Operation {
	return policy.Operation{Key: key, Name: name}
}

func idStr(data json.RawMessage) (string, error) {
	return jsonString(data, "id_str")
}

// jsonString reads the non-empty string at path.
func jsonString(data json.RawMessage, path string) (string, error) {
	v := gjson.GetBytes(data, path)
	if v.Type != gjson.String || v.Str == "" {
		return "", auth.Transient("Twitter returned an unexpected response", fmt.Errorf("no %s in response", path))
	}
	return v.Str, nil
}

// stringify renders a decoded JSON value as a query parameter.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
