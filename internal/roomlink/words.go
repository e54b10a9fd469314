package roomlink

// Word pools for memorable room ids. Every word must itself be a valid id
// fragment: lowercase ascii letters only.
var wordPools = [][]string{
	{ // critters
		"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
		"ferret", "beaver", "seahorse", "starfish", "dolphin", "narwhal", "penguin", "flamingo", "pelican",
		"robin", "toucan", "parrot", "canary", "raccoon", "badger", "lemur", "gecko", "heron", "walrus",
	},
	{ // snacks
		"pancake", "waffle", "sushi", "ramen", "curry", "taco", "burrito", "biryani", "paella", "risotto",
		"dumpling", "noodle", "omelette", "quiche", "kebab", "shawarma", "fondue", "pierogi", "gnocchi",
		"falafel", "samosa", "poutine", "dimsum", "bagel", "pretzel", "crepe", "churro", "mochi", "scone",
	},
	{ // moods
		"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
		"golden", "silver", "crimson", "emerald", "purple", "bright", "gentle", "brave", "calm", "swift",
		"quiet", "bouncy", "fuzzy", "plucky", "merry", "peppy", "breezy", "dapper", "zesty", "mellow",
	},
	{ // things
		"sunbeam", "stardust", "pepper", "muffin", "bubble", "sprout", "glimmer", "whisker", "echo", "jelly",
		"marble", "maple", "cocoa", "hazel", "breeze", "meadow", "willow", "ember", "cinnamon", "poppy",
		"pixel", "biscuit", "nugget", "toffee", "sprinkle", "twig", "lantern", "pebble", "comet", "orbit",
	},
	{ // places
		"canyon", "ridge", "harbor", "lagoon", "glacier", "summit", "valley", "island", "prairie", "delta",
		"cottage", "lighthouse", "orchard", "garden", "attic", "balcony", "market", "plaza", "pier", "grove",
	},
}
