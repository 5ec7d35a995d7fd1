package sqlgateway

import (
	"fmt"
	"strings"
)

// bindNamed rewrites sqlText's "@name" placeholders into pgx's positional
// "$n" placeholders and returns the matching argument slice, in the order
// pgx expects them. The @name contract is spec §4.1's public API; the
// positional rewrite is an implementation detail of the pgx driver.
//
// Every occurrence of the same @name reuses the argument's position, so a
// parameter referenced twice in one statement only needs one entry in
// params.
func bindNamed(sqlText string, params map[string]any) (string, []any, error) {
	var (
		out     strings.Builder
		args    []any
		seen    = make(map[string]int) // name -> 1-based positional index
		nameBuf strings.Builder
	)

	flush := func() error {
		if nameBuf.Len() == 0 {
			return nil
		}
		name := nameBuf.String()
		nameBuf.Reset()

		idx, ok := seen[name]
		if !ok {
			val, ok := params[name]
			if !ok {
				return fmt.Errorf("missing parameter %q", name)
			}
			args = append(args, val)
			idx = len(args)
			seen[name] = idx
		}
		fmt.Fprintf(&out, "$%d", idx)
		return nil
	}

	inName := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		switch {
		case inName && isIdentByte(c):
			nameBuf.WriteByte(c)
		case inName:
			inName = false
			if err := flush(); err != nil {
				return "", nil, err
			}
			out.WriteByte(c)
		case c == '@':
			inName = true
		default:
			out.WriteByte(c)
		}
	}
	if inName {
		if err := flush(); err != nil {
			return "", nil, err
		}
	}

	return out.String(), args, nil
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
