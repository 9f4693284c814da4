package svg

import (
	"bytes"
	"errors"
	"testing"
)

func TestSanitizeStripsActiveContent(t *testing.T) {
	input := []byte(`<svg xmlns="http://www.w3.org/2000/svg" onload="alert(1)">` +
		`<script>alert(2)</script>` +
		`<a href="javascript:alert(3)"><rect width="10" height="10" onclick='x()'/></a>` +
		`<foreignObject><div>hi</div></foreignObject>` +
		`</svg>`)

	out, err := Sanitize(input)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	for _, banned := range []string{"<script", "onload", "onclick", "javascript:", "foreignObject"} {
		if bytes.Contains(out, []byte(banned)) {
			t.Errorf("output still contains %q: %s", banned, out)
		}
	}
	if !bytes.Contains(out, []byte(`<rect width="10" height="10"`)) {
		t.Errorf("passive content was removed: %s", out)
	}
}

func TestSanitizeRejectsNonSVG(t *testing.T) {
	if _, err := Sanitize([]byte("<html></html>")); !errors.Is(err, ErrNotSVG) {
		t.Fatalf("err = %v, want ErrNotSVG", err)
	}
}
