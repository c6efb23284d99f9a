package naming

// Fixed word lists for the themed naming schemes. Selection is seeded from a
// hash of the input identifier, so list order matters: reordering or removing
// words changes every derived surrogate. Append only.

var adjectives = []string{
	"AGILE", "AMBER", "BOLD", "BRAVE", "BRIGHT", "BRISK", "CALM", "CLEVER",
	"DAPPER", "DEFT", "EAGER", "EARNEST", "FABLED", "FLEET", "GENTLE", "GLAD",
	"GRAND", "HARDY", "HONEST", "HUMBLE", "JOLLY", "KEEN", "KIND", "LIVELY",
	"LOYAL", "LUCID", "MERRY", "MIGHTY", "NIMBLE", "NOBLE", "PATIENT", "PLACID",
	"PLUCKY", "PROUD", "QUICK", "QUIET", "RAPID", "ROBUST", "SAGE", "SHARP",
	"SILENT", "SINCERE", "SPRY", "STEADY", "STOUT", "SWIFT", "TRUSTY", "VALIANT",
	"VIVID", "WISE", "WITTY", "ZESTY",
}

var animals = []string{
	"BADGER", "BEAVER", "BISON", "BOBCAT", "CONDOR", "COUGAR", "COYOTE", "CRANE",
	"DINGO", "DOLPHIN", "EGRET", "ELK", "FALCON", "FERRET", "FINCH", "GAZELLE",
	"GECKO", "HERON", "IBEX", "IBIS", "JACKAL", "JAGUAR", "KESTREL", "KOALA",
	"LEMUR", "LYNX", "MARLIN", "MARMOT", "MARTEN", "MOOSE", "NARWHAL", "OCELOT",
	"OSPREY", "OTTER", "OWL", "PANTHER", "PELICAN", "PUFFIN", "QUAIL", "RAVEN",
	"SABLE", "SALMON", "SERVAL", "STORK", "TAPIR", "TERN", "TOUCAN", "VOLE",
	"WALRUS", "WEASEL", "WOMBAT", "ZEBRA",
}

var colors = []string{
	"AMBER", "AQUA", "AZURE", "BEIGE", "BRONZE", "CERISE", "CITRON", "COBALT",
	"CORAL", "CRIMSON", "CYAN", "EBONY", "EMERALD", "FUCHSIA", "GARNET", "GOLD",
	"INDIGO", "IVORY", "JADE", "LILAC", "MAGENTA", "MAROON", "MAUVE", "OCHRE",
	"OLIVE", "ONYX", "OPAL", "ORCHID", "PEARL", "PLUM", "RUBY", "RUSSET",
	"SAFFRON", "SCARLET", "SEPIA", "SIENNA", "SILVER", "SLATE", "TEAL", "TOPAZ",
	"UMBER", "VIOLET",
}

var natoAlphabet = []string{
	"ALFA", "BRAVO", "CHARLIE", "DELTA", "ECHO", "FOXTROT", "GOLF", "HOTEL",
	"INDIA", "JULIETT", "KILO", "LIMA", "MIKE", "NOVEMBER", "OSCAR", "PAPA",
	"QUEBEC", "ROMEO", "SIERRA", "TANGO", "UNIFORM", "VICTOR", "WHISKEY",
	"XRAY", "YANKEE", "ZULU",
}
