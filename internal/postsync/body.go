package postsync

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperengineering/restsync/internal/types"
)

// Fields that only exist on locally created posts.
var localFields = []string{"ID", "global_ID", "isLocal"}

// escapePath escapes a JSON object key for use as an sjson path.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func objectOrEmpty(b types.Body) types.Body {
	if len(b) == 0 || !gjson.ValidBytes(b) || !gjson.ParseBytes(b).IsObject() {
		return types.Body(`{}`)
	}
	return append(types.Body(nil), b...)
}

// mergeBody copies every top-level field of src over dst, like a shallow
// object assign. Non-object inputs are treated as empty objects.
func mergeBody(dst, src types.Body) (types.Body, error) {
	out := objectOrEmpty(dst)
	var err error
	gjson.ParseBytes(objectOrEmpty(src)).ForEach(func(k, v gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, escapePath(k.String()), []byte(v.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stripFields removes the named top-level fields.
func stripFields(b types.Body, fields ...string) (types.Body, error) {
	out := objectOrEmpty(b)
	var err error
	for _, f := range fields {
		out, err = sjson.DeleteBytes(out, escapePath(f))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bodyID returns the post ID carried by the body, or "" when absent.
func bodyID(b types.Body) string {
	id := gjson.GetBytes(b, "ID")
	if !id.Exists() || id.Type == gjson.Null {
		return ""
	}
	return id.String()
}

// markLocal stamps the temporary identifiers onto a new post body.
func markLocal(b types.Body, id, globalID string) (types.Body, error) {
	out := objectOrEmpty(b)
	var err error
	if out, err = sjson.SetBytes(out, "ID", id); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "global_ID", globalID); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "isLocal", true)
}
