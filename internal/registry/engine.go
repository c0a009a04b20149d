package registry

// Engine describes one language runtime row in the execution matrix. Each
// engine owns a fixed number of addressable slots; the letter is the engine's
// address prefix ("a1" is python slot 1).
type Engine struct {
	Letter   string
	Language string
	Capacity int
}

// The matrix layout: python is the primary engine with 64 slots, every other
// engine gets 16. Lua, Scala and PHP have no dedicated row; their code can be
// hosted on the c or bash engines.
var Engines = []Engine{
	{Letter: "a", Language: "python", Capacity: 64},
	{Letter: "b", Language: "javascript", Capacity: 16},
	{Letter: "c", Language: "typescript", Capacity: 16},
	{Letter: "d", Language: "rust", Capacity: 16},
	{Letter: "e", Language: "java", Capacity: 16},
	{Letter: "f", Language: "swift", Capacity: 16},
	{Letter: "g", Language: "cpp", Capacity: 16},
	{Letter: "h", Language: "r", Capacity: 16},
	{Letter: "i", Language: "go", Capacity: 16},
	{Letter: "j", Language: "ruby", Capacity: 16},
	{Letter: "k", Language: "csharp", Capacity: 16},
	{Letter: "l", Language: "kotlin", Capacity: 16},
	{Letter: "m", Language: "c", Capacity: 16},
	{Letter: "n", Language: "bash", Capacity: 16},
	{Letter: "o", Language: "perl", Capacity: 16},
}

var (
	enginesByLetter   = make(map[string]Engine, len(Engines))
	enginesByLanguage = make(map[string]Engine, len(Engines))
)

func init() {
	for _, e := range Engines {
		enginesByLetter[e.Letter] = e
		enginesByLanguage[e.Language] = e
	}
}

// EngineByLetter resolves an engine by its address prefix.
func EngineByLetter(letter string) (Engine, bool) {
	e, ok := enginesByLetter[letter]
	return e, ok
}

// EngineByLanguage resolves an engine by language name.
func EngineByLanguage(language string) (Engine, bool) {
	e, ok := enginesByLanguage[language]
	return e, ok
}

// TotalCapacity returns the number of addressable slots across all engines.
func TotalCapacity() int {
	total := 0
	for _, e := range Engines {
		total += e.Capacity
	}
	return total
}
