package loader

import "gopkg.in/yaml.v3"

// Description is the parsed form of one conjury description file.
type Description struct {
	Spells []SpellDecl `yaml:"spells,omitempty"`
	Stages []StageDecl `yaml:"stages,omitempty"`
	Defer  []DeferDecl `yaml:"defer,omitempty"`
	Copy   []CopyDecl  `yaml:"copy,omitempty"`
}

// SpellDecl declares one spell. A scalar action is a shell command line; a
// sequence is an argv vector.
type SpellDecl struct {
	Name     string    `yaml:"name,omitempty"`
	Products []string  `yaml:"products,omitempty"`
	Factors  []string  `yaml:"factors,omitempty"`
	Action   yaml.Node `yaml:"action,omitempty"`
	Profile  string    `yaml:"profile,omitempty"`
}

// StageDecl attaches a journal-owning stage to a directory. An empty
// directory means the context's own directory.
type StageDecl struct {
	Directory string `yaml:"directory,omitempty"`
}

// DeferDecl hands targets over to sibling directories' contexts.
type DeferDecl struct {
	Name        string   `yaml:"name,omitempty"`
	Directories []string `yaml:"directories"`
	Targets     []string `yaml:"targets,omitempty"`
	IfPresent   bool     `yaml:"if_present,omitempty"`
}

// CopyDecl declares a file-copy spell.
type CopyDecl struct {
	Name       string   `yaml:"name,omitempty"`
	Directory  string   `yaml:"directory"`
	Files      []string `yaml:"files"`
	Permission int      `yaml:"permission,omitempty"`
	Owner      string   `yaml:"owner,omitempty"`
}
