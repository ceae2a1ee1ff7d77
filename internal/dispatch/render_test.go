package dispatch

import (
	"testing"

	"github.com/lalithlochan/dunning/internal/db"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ana", "amount": "1500.00", "invoice.number": "A-12"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"single", "Hola {{name}}", "Hola Ana"},
		{"spaces", "Hola {{ name }}", "Hola Ana"},
		{"dotted", "Factura {{invoice.number}} por {{amount}}", "Factura A-12 por 1500.00"},
		{"unknown kept", "Hola {{surname}}", "Hola {{surname}}"},
		{"repeated", "{{name}} {{name}}", "Ana Ana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.in, vars); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender_NoVars(t *testing.T) {
	if got := Render("Hola {{name}}", nil); got != "Hola {{name}}" {
		t.Errorf("got %q", got)
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(db.Message{Subject: "Saldo {{amount}}", Text: "Hola {{name}}"}, map[string]string{
		"amount": "10",
		"name":   "Ana",
	})
	if msg.Subject != "Saldo 10" || msg.Text != "Hola Ana" {
		t.Errorf("unexpected message %+v", msg)
	}
}
