package emailtmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain markup kept", `<p class="x">Hello <b>world</b></p>`, `<p class="x">Hello <b>world</b></p>`},
		{"script removed", `a<script>alert(1)</script>b`, `ab`},
		{"uppercase script", `a<SCRIPT type="text/javascript">x()</SCRIPT>b`, `ab`},
		{"event handler", `<img src="x.png" onerror="alert(1)" alt="x">`, `<img src="x.png" alt="x">`},
		{"mixed case handler", `<div OnClick="steal()">hi</div>`, `<div>hi</div>`},
		{"javascript href", `<a href="javascript:alert(1)">x</a>`, `<a>x</a>`},
		{"obfuscated javascript", `<a href=" JaVa&#x09;Script:alert(1)">x</a>`, `<a>x</a>`},
		{"data src", `<img src="data:image/png;base64,AAAA">`, `<img>`},
		{"data in other attribute kept", `<div title="data:ok">x</div>`, `<div title="data:ok">x</div>`},
		{"iframe with content", `a<iframe src="https://evil"><p>in</p></iframe>b`, `ab`},
		{"self closed embed", `a<embed src="x.swf"/>b`, `ab`},
		{"void input", `a<input type="text" value="x">b`, `ab`},
		{"form with controls", `<form action="/x"><input name="a"><button>go</button></form>after`, `after`},
		{"nested same tag", `<object><object>x</object>y</object>z`, `z`},
		{"meta and link", `<meta http-equiv="refresh" content="0"><link rel="stylesheet" href="x.css">ok`, `ok`},
		{"stray end tag", `a</textarea>b`, `ab`},
		{"comment dropped", `a<!--[if mso]><script>x</script><![endif]-->b`, `ab`},
		{"style kept", `<style>a > b { color: red; }</style>`, `<style>a > b { color: red; }</style>`},
		{"entities kept", `<p>Fish &amp; Chips</p>`, `<p>Fish &amp; Chips</p>`},
		{"unclosed object keeps rest", "<object data=x>\n<p>rest of email</p>", "\n<p>rest of email</p>"},
		{"unclosed object inside parent", `<div><object data=x>in</div><p>after</p>`, `<div>in</div><p>after</p>`},
		{"unclosed object still cleaned", `<object><img src=x onerror=alert(1)>tail`, `<img src="x">tail`},
		{"unclosed nested object", `<object><object>x</object>y`, `y`},
		{"unclosed script swallows rest", `a<script>x()<p>b</p>`, `a`},
		{"void tags are not parents", `<p>a<br><object>b</p>c`, `<p>a<br>b</p>c`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestSanitizeDocument(t *testing.T) {
	t.Parallel()

	out := Sanitize("<!DOCTYPE html>\n<html><head><title>t</title></head><body onload=\"x()\">hi</body></html>")
	require.Equal(t, "<!DOCTYPE html>\n<html><head><title>t</title></head><body>hi</body></html>", out)
}
