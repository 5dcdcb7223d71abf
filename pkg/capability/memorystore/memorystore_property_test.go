package memorystore_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/casys-ai/pml/pkg/capability"
	"github.com/casys-ai/pml/pkg/capability/memorystore"
)

// TestFQDNImmutabilityProperty verifies spec §8 Property 1: for every
// capability, hash(code) == fqdn.suffix.
func TestFQDNImmutabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fqdn suffix always matches hash(code)", prop.ForAll(
		func(tc fqdnTestCase) bool {
			fqdn := capability.NewFQDN(tc.org, tc.project, tc.namespace, tc.action, tc.code)
			return capability.VerifyHash(fqdn, tc.code)
		},
		genFQDNTestCase(),
	))

	properties.TestingRun(t)
}

// TestAliasChainFreedomProperty verifies spec §8 Property 2: no alias points
// to another alias, even after a sequence of renames.
func TestAliasChainFreedomProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every alias targets a live capability fqdn directly", prop.ForAll(
		func(names []string) bool {
			store := memorystore.New()
			ctx := context.Background()
			cap := capability.Capability{Org: "acme", Project: "demo", DisplayName: "seed", Code: "const x = 1;"}
			fqdn, err := store.UpsertCapability(ctx, &cap)
			if err != nil {
				return false
			}

			for _, name := range names {
				if name == "" {
					continue
				}
				if err := store.Rename(ctx, fqdn, name); err != nil {
					return false
				}
			}

			aliases, err := store.Aliases(ctx, fqdn)
			if err != nil {
				return false
			}
			for _, a := range aliases {
				if a.TargetFQDN != fqdn {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genNonEmptyAlphaString()),
	))

	properties.TestingRun(t)
}

// TestReliabilityMonotonicityProperty verifies spec §8 Property 6: usageCount
// never decreases and successCount <= usageCount, across any sequence of
// recorded executions.
func TestReliabilityMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("usageCount is monotonic and successCount never exceeds it", prop.ForAll(
		func(outcomes []bool) bool {
			store := memorystore.New()
			ctx := context.Background()
			cap := capability.Capability{Org: "acme", Project: "demo", DisplayName: "reliab", Code: "const y = 2;"}
			fqdn, err := store.UpsertCapability(ctx, &cap)
			if err != nil {
				return false
			}

			var lastUsage int64
			for _, success := range outcomes {
				if err := store.RecordExecution(ctx, fqdn, success, 10); err != nil {
					return false
				}
				got, err := store.GetByFQDN(ctx, fqdn)
				if err != nil {
					return false
				}
				if got.Stats.UsageCount < lastUsage {
					return false
				}
				if got.Stats.SuccessCount > got.Stats.UsageCount {
					return false
				}
				lastUsage = got.Stats.UsageCount
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

type fqdnTestCase struct {
	org, project, namespace, action, code string
}

func genFQDNTestCase() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genNonEmptyAlphaString(),
		genAlphaStringWithMax(80),
	).Map(func(vals []any) fqdnTestCase {
		return fqdnTestCase{
			org:       vals[0].(string),
			project:   vals[1].(string),
			namespace: vals[2].(string),
			action:    vals[3].(string),
			code:      vals[4].(string),
		}
	})
}

func genNonEmptyAlphaString() gopter.Gen {
	return gen.IntRange(1, 20).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

func genAlphaStringWithMax(maxLen int) gopter.Gen {
	return gen.IntRange(0, maxLen).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}
