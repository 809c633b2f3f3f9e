package compiler

import (
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseTree decodes a YAML statement tree: a sequence of function
// declarations.
//
//	- func: main
//	  body:
//	    - decl: x
//	      init: {bin: "*", left: {bin: "+", left: 3, right: 4}, right: 2}
//	    - return: x
func ParseTree(data []byte) ([]Stmt, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "statement tree")
	}
	if doc.Kind == 0 {
		return nil, nil
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	return stmtList(root)
}

func nodeError(n *yaml.Node, format string, args ...any) error {
	return errors.Wrapf(errors.Errorf(format, args...), "line %d", n.Line)
}

func stmtList(n *yaml.Node) ([]Stmt, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, nodeError(n, "expected a list of statements")
	}
	out := make([]Stmt, 0, len(n.Content))
	for _, c := range n.Content {
		s, err := stmtNode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func blockOf(n *yaml.Node) (*BlockStmt, error) {
	stmts, err := stmtList(n)
	if err != nil {
		return nil, err
	}
	return &BlockStmt{Stmts: stmts}, nil
}

// fields indexes a mapping node by key and rejects keys outside allowed.
func fields(n *yaml.Node, allowed ...string) (map[string]*yaml.Node, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeError(n, "expected a mapping")
	}
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if !ok[k.Value] {
			return nil, nodeError(k, "unexpected key '%s'", k.Value)
		}
		if _, dup := out[k.Value]; dup {
			return nil, nodeError(k, "duplicate key '%s'", k.Value)
		}
		out[k.Value] = v
	}
	return out, nil
}

// kind returns the first key of a mapping, which names the node kind.
func kind(n *yaml.Node) string {
	if n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		return ""
	}
	return n.Content[0].Value
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

func name(n *yaml.Node, what string) (string, error) {
	if n == nil || n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" || !isIdentifier(n.Value) {
		line := 0
		if n != nil {
			line = n.Line
		}
		return "", errors.Errorf("line %d: %s must be an identifier", line, what)
	}
	return n.Value, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func stmtNode(n *yaml.Node) (Stmt, error) {
	if n.Kind == yaml.ScalarNode {
		switch n.Value {
		case "break":
			return &BreakStmt{}, nil
		case "continue":
			return &ContinueStmt{}, nil
		}
		return nil, nodeError(n, "unknown statement '%s'", n.Value)
	}

	switch kind(n) {
	case "func":
		f, err := fields(n, "func", "params", "body")
		if err != nil {
			return nil, err
		}
		fn := &FunctionDecl{}
		if fn.Name, err = name(f["func"], "function name"); err != nil {
			return nil, err
		}
		if p := f["params"]; !isNull(p) {
			if p.Kind != yaml.SequenceNode {
				return nil, nodeError(p, "params must be a list")
			}
			for _, c := range p.Content {
				param, err := name(c, "parameter")
				if err != nil {
					return nil, err
				}
				fn.Params = append(fn.Params, param)
			}
		}
		if fn.Body, err = blockOf(f["body"]); err != nil {
			return nil, err
		}
		return fn, nil

	case "decl":
		f, err := fields(n, "decl", "init")
		if err != nil {
			return nil, err
		}
		d := &VariableDecl{}
		if d.Name, err = name(f["decl"], "variable"); err != nil {
			return nil, err
		}
		if init := f["init"]; !isNull(init) {
			if d.Init, err = exprNode(init); err != nil {
				return nil, err
			}
		}
		return d, nil

	case "assign":
		f, err := fields(n, "assign", "value")
		if err != nil {
			return nil, err
		}
		if f["value"] == nil {
			return nil, nodeError(n, "assignment without value")
		}
		a := &Assignment{}
		if a.Target, err = exprNode(f["assign"]); err != nil {
			return nil, err
		}
		if a.Value, err = exprNode(f["value"]); err != nil {
			return nil, err
		}
		return a, nil

	case "expr":
		f, err := fields(n, "expr")
		if err != nil {
			return nil, err
		}
		e, err := exprNode(f["expr"])
		if err != nil {
			return nil, err
		}
		return &ExprStmt{Expr: e}, nil

	case "return":
		f, err := fields(n, "return")
		if err != nil {
			return nil, err
		}
		r := &ReturnStmt{}
		if v := f["return"]; !isNull(v) {
			if r.Expr, err = exprNode(v); err != nil {
				return nil, err
			}
		}
		return r, nil

	case "if":
		f, err := fields(n, "if", "then", "else")
		if err != nil {
			return nil, err
		}
		s := &IfStmt{}
		if s.Condition, err = exprNode(f["if"]); err != nil {
			return nil, err
		}
		if s.Body, err = blockOf(f["then"]); err != nil {
			return nil, err
		}
		if e, ok := f["else"]; ok {
			if s.ElseBody, err = blockOf(e); err != nil {
				return nil, err
			}
		}
		return s, nil

	case "while":
		f, err := fields(n, "while", "body")
		if err != nil {
			return nil, err
		}
		s := &WhileStmt{}
		if s.Condition, err = exprNode(f["while"]); err != nil {
			return nil, err
		}
		if s.Body, err = blockOf(f["body"]); err != nil {
			return nil, err
		}
		return s, nil

	case "for":
		f, err := fields(n, "for", "body")
		if err != nil {
			return nil, err
		}
		s := &ForStmt{}
		if h := f["for"]; !isNull(h) {
			header, err := fields(h, "init", "cond", "update")
			if err != nil {
				return nil, err
			}
			if v := header["init"]; !isNull(v) {
				if s.Init, err = stmtNode(v); err != nil {
					return nil, err
				}
			}
			if v := header["cond"]; !isNull(v) {
				if s.Cond, err = exprNode(v); err != nil {
					return nil, err
				}
			}
			if v := header["update"]; !isNull(v) {
				if s.Post, err = stmtNode(v); err != nil {
					return nil, err
				}
			}
		}
		if s.Body, err = blockOf(f["body"]); err != nil {
			return nil, err
		}
		return s, nil

	case "block":
		f, err := fields(n, "block")
		if err != nil {
			return nil, err
		}
		return blockOf(f["block"])
	}
	return nil, nodeError(n, "unknown statement kind '%s'", kind(n))
}

func exprNode(n *yaml.Node) (Expr, error) {
	if n == nil {
		return nil, errors.New("missing expression")
	}
	if n.Kind == yaml.ScalarNode {
		switch n.ShortTag() {
		case "!!int":
			v, err := strconv.ParseInt(n.Value, 0, 64)
			if err != nil {
				return nil, nodeError(n, "integer %s: %v", n.Value, err)
			}
			return &Literal{Value: v}, nil
		case "!!str":
			if isIdentifier(n.Value) {
				return &VarRef{Name: n.Value}, nil
			}
		case "!!bool":
			if n.Value == "true" {
				return &Literal{Value: 1}, nil
			}
			return &Literal{Value: 0}, nil
		}
		return nil, nodeError(n, "invalid expression '%s'", n.Value)
	}

	switch kind(n) {
	case "bin":
		f, err := fields(n, "bin", "left", "right")
		if err != nil {
			return nil, err
		}
		op := Op(f["bin"].Value)
		if !op.isBinary() {
			return nil, nodeError(f["bin"], "unknown binary operator '%s'", op)
		}
		b := &BinaryExpr{Op: op}
		if b.Left, err = exprNode(f["left"]); err != nil {
			return nil, err
		}
		if b.Right, err = exprNode(f["right"]); err != nil {
			return nil, err
		}
		return b, nil

	case "unary":
		f, err := fields(n, "unary", "operand")
		if err != nil {
			return nil, err
		}
		var op Op
		switch f["unary"].Value {
		case "-", "neg":
			op = OpNeg
		case "!", "not":
			op = OpNot
		case "&", "addr":
			op = OpAddr
		case "*", "deref":
			op = OpDeref
		default:
			return nil, nodeError(f["unary"], "unknown unary operator '%s'", f["unary"].Value)
		}
		operand, err := exprNode(f["operand"])
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: op, Operand: operand}, nil

	case "addr", "deref":
		f, err := fields(n, kind(n))
		if err != nil {
			return nil, err
		}
		operand, err := exprNode(f[kind(n)])
		if err != nil {
			return nil, err
		}
		op := OpAddr
		if kind(n) == "deref" {
			op = OpDeref
		}
		return &UnaryExpr{Op: op, Operand: operand}, nil

	case "call":
		f, err := fields(n, "call", "args")
		if err != nil {
			return nil, err
		}
		c := &FunctionCall{}
		if c.Name, err = name(f["call"], "function name"); err != nil {
			return nil, err
		}
		if a := f["args"]; !isNull(a) {
			if a.Kind != yaml.SequenceNode {
				return nil, nodeError(a, "args must be a list")
			}
			for _, arg := range a.Content {
				e, err := exprNode(arg)
				if err != nil {
					return nil, err
				}
				c.Args = append(c.Args, e)
			}
		}
		return c, nil
	}
	return nil, nodeError(n, "unknown expression kind '%s'", kind(n))
}
