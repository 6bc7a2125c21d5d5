// Package jailconf reads and writes jail.conf(5) files.
//
// A file is a list of host-wide parameters followed by named jail blocks.
// Each parameter is a flag (`exec.clean;`), a scalar (`path = "/x";`) or a
// list (`ip4.addr = "a", "b";` or repeated `+=` assignments). Order of
// parameters and blocks is preserved across a load/write cycle; comments
// are not.
package jailconf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"code.cloudfoundry.org/mjail"
)

type Kind int

const (
	Flag Kind = iota
	Scalar
	List
)

// Value is a tagged parameter value.
type Value struct {
	kind  Kind
	items []string
}

func FlagValue() Value {
	return Value{kind: Flag}
}

func ScalarValue(v string) Value {
	return Value{kind: Scalar, items: []string{v}}
}

func ListValue(vs ...string) Value {
	return Value{kind: List, items: append([]string{}, vs...)}
}

func (v Value) Kind() Kind {
	return v.kind
}

// Scalar returns the value of a Scalar. ok is false for any other kind.
func (v Value) Scalar() (string, bool) {
	if v.kind != Scalar {
		return "", false
	}

	return v.items[0], true
}

// Items returns every string held by the value: none for a Flag, one for a
// Scalar, all of them for a List.
func (v Value) Items() []string {
	return append([]string{}, v.items...)
}

func (v Value) appending(items ...string) Value {
	return Value{kind: List, items: append(v.Items(), items...)}
}

type Param struct {
	Name  string
	Value Value
}

// Params is an ordered parameter set, used both for the host-wide section
// and for jail blocks.
type Params struct {
	params []Param
}

func (p *Params) Get(name string) (Value, bool) {
	for _, param := range p.params {
		if param.Name == name {
			return param.Value, true
		}
	}

	return Value{}, false
}

// GetScalar is a shorthand for Get followed by Value.Scalar.
func (p *Params) GetScalar(name string) (string, bool) {
	value, found := p.Get(name)
	if !found {
		return "", false
	}

	return value.Scalar()
}

// Set replaces the value of an existing parameter in place, or appends it.
func (p *Params) Set(name string, value Value) {
	for i, param := range p.params {
		if param.Name == name {
			p.params[i].Value = value
			return
		}
	}

	p.params = append(p.params, Param{Name: name, Value: value})
}

// Delete removes the parameter, reporting whether it was present.
func (p *Params) Delete(name string) bool {
	for i, param := range p.params {
		if param.Name == name {
			p.params = append(p.params[:i], p.params[i+1:]...)
			return true
		}
	}

	return false
}

func (p *Params) Params() []Param {
	return append([]Param{}, p.params...)
}

type Block struct {
	Name string

	Params
}

func NewBlock(name string, params ...Param) *Block {
	block := &Block{Name: name}

	for _, param := range params {
		block.Set(param.Name, param.Value)
	}

	return block
}

// Conf is a whole jail.conf file.
type Conf struct {
	Params

	jails []*Block
}

func New() *Conf {
	return &Conf{}
}

// Jail looks up a block by name.
func (c *Conf) Jail(name string) (*Block, error) {
	for _, block := range c.jails {
		if block.Name == name {
			return block, nil
		}
	}

	return nil, mjail.NotFoundError{Name: name}
}

func (c *Conf) HasJail(name string) bool {
	_, err := c.Jail(name)
	return err == nil
}

// AddJail appends a block. Names are unique keys.
func (c *Conf) AddJail(block *Block) error {
	if c.HasJail(block.Name) {
		return mjail.AlreadyExistsError{Name: block.Name}
	}

	c.jails = append(c.jails, block)

	return nil
}

// RemoveJail deletes a block, reporting whether it was present.
func (c *Conf) RemoveJail(name string) bool {
	for i, block := range c.jails {
		if block.Name == name {
			c.jails = append(c.jails[:i], c.jails[i+1:]...)
			return true
		}
	}

	return false
}

// Jails returns the blocks in file order.
func (c *Conf) Jails() []*Block {
	return append([]*Block{}, c.jails...)
}

func Load(path string) (*Conf, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer file.Close()

	conf, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

func (c *Conf) Marshal() []byte {
	out := new(bytes.Buffer)

	for _, param := range c.params {
		writeParam(out, "", param)
	}

	for _, block := range c.jails {
		if out.Len() > 0 {
			out.WriteString("\n")
		}

		fmt.Fprintf(out, "%s {\n", quoteName(block.Name))

		for _, param := range block.params {
			writeParam(out, "\t", param)
		}

		out.WriteString("}\n")
	}

	return out.Bytes()
}

func (c *Conf) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.Marshal())
	return int64(n), err
}

func writeParam(out *bytes.Buffer, indent string, param Param) {
	if param.Value.kind == Flag {
		fmt.Fprintf(out, "%s%s;\n", indent, param.Name)
		return
	}

	quoted := make([]string, len(param.Value.items))
	for i, item := range param.Value.items {
		quoted[i] = quote(item)
	}

	fmt.Fprintf(out, "%s%s = %s;\n", indent, param.Name, strings.Join(quoted, ", "))
}

func quote(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + replacer.Replace(s) + `"`
}

func quoteName(name string) string {
	for _, r := range name {
		if !isWordRune(r) {
			return quote(name)
		}
	}

	return name
}
