package lookup

import (
	"amrcore/pkg/domain"
	"fmt"
)

// Resolver maps normalized values to lookup ids within one transaction. It
// memoizes per batch so repeated values cost a single store call.
type Resolver struct {
	tx      domain.Transaction
	norm    Normalizer
	cache   map[cacheKey]domain.LookupEntry
	created map[domain.LookupKind][]string
}

type cacheKey struct {
	kind  domain.LookupKind
	class domain.InstrumentClass
	name  string
}

// NewResolver binds a resolver to tx. Discard it when the transaction ends.
func NewResolver(tx domain.Transaction) *Resolver {
	return &Resolver{
		tx:      tx,
		cache:   make(map[cacheKey]domain.LookupEntry),
		created: make(map[domain.LookupKind][]string),
	}
}

func (r *Resolver) resolve(kind domain.LookupKind, class domain.InstrumentClass, name string) (domain.LookupEntry, error) {
	if !kind.ClassScoped() {
		class = ""
	}
	key := cacheKey{kind: kind, class: class, name: name}
	if entry, ok := r.cache[key]; ok {
		return entry, nil
	}
	entry, created, err := r.tx.ResolveOrRegister(kind, class, name)
	if err != nil {
		return domain.LookupEntry{}, fmt.Errorf("resolve %s %q: %w", kind, name, err)
	}
	if created {
		r.created[kind] = append(r.created[kind], entry.Name)
	}
	r.cache[key] = entry
	return entry, nil
}

// Species resolves against the closed vocabulary, falling back to "other".
func (r *Resolver) Species(raw string) (domain.LookupEntry, error) {
	name := r.norm.Species(raw)
	if entry, ok := r.cache[cacheKey{kind: domain.LookupSpecies, name: name}]; ok {
		return entry, nil
	}
	if entry, ok := r.tx.Snapshot().FindLookupByName(domain.LookupSpecies, "", name); ok {
		r.cache[cacheKey{kind: domain.LookupSpecies, name: name}] = entry
		return entry, nil
	}
	return r.resolve(domain.LookupSpecies, "", OtherSpecies)
}

// Genus resolves the first token of raw, registering it when new.
func (r *Resolver) Genus(raw string) (domain.LookupEntry, error) {
	return r.resolve(domain.LookupGenus, "", r.norm.Genus(raw))
}

// SampleSite resolves the cleaned sample site, registering it when new.
func (r *Resolver) SampleSite(raw string) (domain.LookupEntry, error) {
	return r.resolve(domain.LookupSampleSite, "", r.norm.SampleSite(raw))
}

// AnswerDrug resolves a recommendation antimicrobial for class.
func (r *Resolver) AnswerDrug(class domain.InstrumentClass, raw string) (domain.LookupEntry, error) {
	return r.resolve(domain.LookupAnswerDrug, class, r.norm.DrugName(raw))
}

// SIRDrug resolves a susceptibility antimicrobial for class.
func (r *Resolver) SIRDrug(class domain.InstrumentClass, raw string) (domain.LookupEntry, error) {
	return r.resolve(domain.LookupSIRDrug, class, r.norm.DrugName(raw))
}

// Remember replaces the cached entry, e.g. after its SIR type was set.
func (r *Resolver) Remember(entry domain.LookupEntry) {
	key := cacheKey{kind: entry.Kind, class: entry.Class, name: entry.Name}
	if !entry.Kind.ClassScoped() {
		key.class = ""
	}
	r.cache[key] = entry
}

// Created lists names registered through this resolver for kind, in order.
func (r *Resolver) Created(kind domain.LookupKind) []string {
	return append([]string(nil), r.created[kind]...)
}

// Seed registers every species of the closed vocabulary.
func Seed(tx domain.Transaction, species []string) (int, error) {
	added := 0
	for _, name := range species {
		_, created, err := tx.ResolveOrRegister(domain.LookupSpecies, "", name)
		if err != nil {
			return added, fmt.Errorf("seed species %q: %w", name, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}
