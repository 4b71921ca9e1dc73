package vm

// ---------------------------------------------------------------------------
// CompiledMethod: Bytecode-based method implementation
// ---------------------------------------------------------------------------

// CompiledMethod represents a bytecode method.
//
// Local layout, relative to the frame base pointer:
//
//	[0, NumArgs)                        positional parameters
//	[NumArgs, NumArgs+len(Keywords))    keyword parameters in declared order
//	[ParamCount(), NumTemps)            plain temporaries, initialized to nil
type CompiledMethod struct {
	methodHeader
	name string

	NumArgs  int            // required positional parameters
	Keywords []KeywordParam // keyword parameters in declared order
	NumTemps int            // total locals (parameters included)

	Literals  []Value
	CallSites []CallSite
	Bytecode  []byte
}

// KeywordParam declares one keyword parameter.
type KeywordParam struct {
	Name     int   // selector-table ID of the keyword
	Required bool  // caller must supply it
	Default  Value // used when the caller omits an optional keyword
}

// CallSite describes one OpSend: the selector, the number of positional
// arguments and the keyword names in the order the caller pushes them.
type CallSite struct {
	Selector int
	Argc     int
	Keywords []int
}

// StackArgs returns how many values the caller pushes above the receiver.
func (cs *CallSite) StackArgs() int {
	return cs.Argc + len(cs.Keywords)
}

// Name returns the method name.
func (m *CompiledMethod) Name() string {
	return m.name
}

// ParamCount returns positional plus keyword parameters.
func (m *CompiledMethod) ParamCount() int {
	return m.NumArgs + len(m.Keywords)
}

// KeywordIndex returns the declared position of keyword name, or -1.
func (m *CompiledMethod) KeywordIndex(name int) int {
	for i, kw := range m.Keywords {
		if kw.Name == name {
			return i
		}
	}
	return -1
}

// RequiredKeywords returns how many keyword parameters have no default.
func (m *CompiledMethod) RequiredKeywords() int {
	n := 0
	for _, kw := range m.Keywords {
		if kw.Required {
			n++
		}
	}
	return n
}

// Disassemble returns a disassembly of the method's bytecode.
func (m *CompiledMethod) Disassemble() string {
	return Disassemble(m.Bytecode)
}

// String returns Class>>name.
func (m *CompiledMethod) String() string {
	return className(m.owner) + ">>" + m.name
}

// ---------------------------------------------------------------------------
// CompiledMethodBuilder: Helper for constructing methods
// ---------------------------------------------------------------------------

// CompiledMethodBuilder helps construct CompiledMethod instances.
type CompiledMethodBuilder struct {
	method   *CompiledMethod
	bytecode *BytecodeBuilder
}

// NewCompiledMethodBuilder creates a builder for a method with numArgs
// positional parameters.
func NewCompiledMethodBuilder(name string, numArgs int) *CompiledMethodBuilder {
	return &CompiledMethodBuilder{
		method: &CompiledMethod{
			name:     name,
			NumArgs:  numArgs,
			NumTemps: numArgs,
		},
		bytecode: NewBytecodeBuilder(),
	}
}

// AddKeyword declares an optional keyword parameter with a default and
// returns its local index. Keywords must be declared before plain locals.
func (b *CompiledMethodBuilder) AddKeyword(name int, def Value) int {
	b.method.Keywords = append(b.method.Keywords, KeywordParam{Name: name, Default: def})
	b.method.NumTemps++
	return b.method.ParamCount() - 1
}

// AddRequiredKeyword declares a keyword parameter the caller must pass.
func (b *CompiledMethodBuilder) AddRequiredKeyword(name int) int {
	b.method.Keywords = append(b.method.Keywords, KeywordParam{Name: name, Required: true, Default: Nil})
	b.method.NumTemps++
	return b.method.ParamCount() - 1
}

// AddLocal increases the temporary count by 1 and returns the index.
func (b *CompiledMethodBuilder) AddLocal() int {
	idx := b.method.NumTemps
	b.method.NumTemps++
	return idx
}

// AddLiteral adds a literal and returns its index.
func (b *CompiledMethodBuilder) AddLiteral(v Value) int {
	idx := len(b.method.Literals)
	b.method.Literals = append(b.method.Literals, v)
	return idx
}

// AddCallSite registers a call site and returns its index.
func (b *CompiledMethodBuilder) AddCallSite(selector, argc int, keywords ...int) int {
	idx := len(b.method.CallSites)
	b.method.CallSites = append(b.method.CallSites, CallSite{
		Selector: selector,
		Argc:     argc,
		Keywords: keywords,
	})
	return idx
}

// EmitSend adds a call site and emits the OpSend that uses it.
func (b *CompiledMethodBuilder) EmitSend(selector, argc int, keywords ...int) {
	idx := b.AddCallSite(selector, argc, keywords...)
	b.bytecode.EmitUint16(OpSend, uint16(idx))
}

// Bytecode returns the bytecode builder for direct emission.
func (b *CompiledMethodBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// Build finalizes and returns the compiled method.
func (b *CompiledMethodBuilder) Build() *CompiledMethod {
	b.method.Bytecode = b.bytecode.Bytes()
	return b.method
}
